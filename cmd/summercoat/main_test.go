package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lvyitian/SquirrelJME/pkg/config"
	"github.com/lvyitian/SquirrelJME/pkg/isa"
	"github.com/lvyitian/SquirrelJME/pkg/suite"
)

func TestParseArgs(t *testing.T) {
	got, err := parseArgs("1, -2,0x10")
	if err != nil {
		t.Fatalf("parseArgs failed: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != -2 || got[2] != 16 {
		t.Errorf("parseArgs = %v", got)
	}

	if got, err := parseArgs(" "); err != nil || got != nil {
		t.Errorf("empty args = %v, %v", got, err)
	}
	for _, bad := range []string{"x", "1,,2", "4294967296"} {
		if _, err := parseArgs(bad); err == nil {
			t.Errorf("parseArgs(%q) should fail", bad)
		}
	}
}

func TestUseColor(t *testing.T) {
	if !useColor("always") || useColor("never") {
		t.Error("explicit colour modes ignored")
	}
}

// writeProgram stores an assembled library in dir.
func writeProgram(t *testing.T, dir string, build func(as *isa.Assembler)) {
	t.Helper()

	as := isa.NewAssembler()
	build(as)
	code, err := as.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.jar"), code, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name  string
		build func(as *isa.Assembler)
		code  int
	}{
		{"returns", func(as *isa.Assembler) {
			as.MathRegInt(isa.MathMul, isa.ArgumentRegisterBase, isa.ArgumentRegisterBase+1, isa.ReturnRegister)
			as.Return()
		}, 0},
		{"trap", func(as *isa.Assembler) {
			as.MathConstInt(isa.MathDiv, isa.ArgumentRegisterBase, 0, isa.ReturnRegister)
			as.Return()
		}, 2},
		{"fault", func(as *isa.Assembler) {
			as.Raw(0x60)
		}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeProgram(t, dir, tt.build)

			cfg := config.Default()
			cfg.Suites.Dir = dir
			cfg.Run.RAMSize = 4096
			cfg.Run.Args = []int32{6, 7}
			cfg.CPU.Processors = 2

			if code := run(cfg, suite.NewDirManager(dir)); code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
		})
	}
}

func TestRunMissingLibraries(t *testing.T) {
	cfg := config.Default()
	cfg.Suites.Dir = filepath.Join(t.TempDir(), "missing")

	if code := run(cfg, suite.NewDirManager(cfg.Suites.Dir)); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
