package dtb

import (
	"testing"

	"github.com/nicolasmesa/armvmm/internal/hv"
)

func testConfig() Config {
	return Config{
		RAMBase:  0x4000_0000,
		RAMSize:  0x4000_0000,
		UARTBase: 0x0900_0000,
		UARTSize: 0x1000,
		UARTIRQ:  33,
		GIC: hv.Arm64GICInfo{
			DistributorBase:   0x0800_0000,
			DistributorSize:   0x10000,
			RedistributorBase: 0x0808_0000,
			RedistributorSize: 0x20000,
		},
		CPUCount: 2,
		Bootargs: "console=ttyAMA0",
	}
}

func TestBuildProducesNonEmptyTree(t *testing.T) {
	data, err := Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty DTB bytes")
	}
}

func TestCPUsNodeHasOneChildPerCPU(t *testing.T) {
	cfg := testConfig()
	n := cpusNode(cfg)
	if len(n.Children) != cfg.CPUCount {
		t.Fatalf("expected %d cpu nodes, got %d", cfg.CPUCount, len(n.Children))
	}
	if n.Children[0].Name != "cpu@0" {
		t.Fatalf("expected first cpu node named cpu@0, got %q", n.Children[0].Name)
	}
}

func TestTimerNodeEncodesFourPPIsInFixedOrder(t *testing.T) {
	n := timerNode()
	interrupts := n.Properties["interrupts"].U32
	if len(interrupts) != 12 {
		t.Fatalf("expected 12 u32 cells (4 PPIs x 3), got %d", len(interrupts))
	}
	wantPPIs := []uint32{29, 30, 27, 26}
	for i, ppi := range wantPPIs {
		gotType := interrupts[i*3]
		gotNum := interrupts[i*3+1]
		gotFlags := interrupts[i*3+2]
		if gotType != 1 || gotNum != ppi-16 || gotFlags != 4 {
			t.Fatalf("ppi %d: expected {1,%d,4}, got {%d,%d,%d}", ppi, ppi-16, gotType, gotNum, gotFlags)
		}
	}
}

func TestChosenNodeOmitsInitrdPropertiesWhenAbsent(t *testing.T) {
	cfg := testConfig()
	n := chosenNode(cfg)
	if _, ok := n.Properties["linux,initrd-start"]; ok {
		t.Fatal("expected no initrd-start property when HasInitrd is false")
	}
}

func TestChosenNodeIncludesInitrdPropertiesWhenPresent(t *testing.T) {
	cfg := testConfig()
	cfg.HasInitrd = true
	cfg.InitrdAddr = 0x4800_0000
	cfg.InitrdEnd = 0x4800_1000
	n := chosenNode(cfg)

	start := n.Properties["linux,initrd-start"].U32
	if len(start) != 2 || (uint64(start[0])<<32|uint64(start[1])) != cfg.InitrdAddr {
		t.Fatalf("unexpected initrd-start encoding: %v", start)
	}
}

func TestPL011NodeEncodesInterruptRelativeToSPI32(t *testing.T) {
	cfg := testConfig()
	n := pl011Node(cfg)
	interrupts := n.Properties["interrupts"].U32
	want := []uint32{0, cfg.UARTIRQ - 32, 4}
	for i := range want {
		if interrupts[i] != want[i] {
			t.Fatalf("expected interrupts %v, got %v", want, interrupts)
		}
	}
}
