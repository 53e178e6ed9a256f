package cmd_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-failover/cmd"
	"github.com/paulschiretz/pgl-failover/pkg/config"
)

func TestPromptForConfirmation(t *testing.T) {
	// Helper to mock stdin/stdout and run the function
	mockPrompt := func(input string, prompt string, defaultYes bool) (bool, string) {
		// Pipe for stdin
		rIn, wIn, _ := os.Pipe()
		// Pipe for stdout
		rOut, wOut, _ := os.Pipe()

		// Save original stdin/stdout
		origStdin := os.Stdin
		origStdout := os.Stdout
		defer func() {
			os.Stdin = origStdin
			os.Stdout = origStdout
		}()

		// Redirect
		os.Stdin = rIn
		os.Stdout = wOut

		// Write input
		go func() {
			_, _ = wIn.WriteString(input)
			_ = wIn.Close()
		}()

		// Run the function
		result := cmd.PromptForConfirmation(prompt, defaultYes)

		// Close writer to read output
		_ = wOut.Close()
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)

		return result, buf.String()
	}

	tests := []struct {
		name       string
		input      string
		prompt     string
		defaultYes bool
		want       bool
		wantPrompt string
	}{
		{"Explicit Yes", "y\n", "Continue?", false, true, "Continue? [y/N]: "},
		{"Explicit No", "n\n", "Continue?", true, false, "Continue? [Y/n]: "},
		{"Default Yes (Empty)", "\n", "Sure?", true, true, "Sure? [Y/n]: "},
		{"Default No (Empty)", "\n", "Sure?", false, false, "Sure? [y/N]: "},
		{"Case Insensitive", "YES\n", "Go?", false, true, "Go? [y/N]: "},
		{"Whitespace Handling", "   y   \n", "Clean?", false, true, "Clean? [y/N]: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, output := mockPrompt(tt.input, tt.prompt, tt.defaultYes)
			if got != tt.want {
				t.Errorf("promptForConfirmation() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(output, tt.wantPrompt) {
				t.Errorf("Output = %q, want substring %q", output, tt.wantPrompt)
			}
		})
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	partition := t.TempDir()

	err := cmd.RunInit(context.Background(), map[string]interface{}{
		"config-dir":    dir,
		"partitions":    []string{partition},
		"listen":        ":9000",
		"mysql-restart": true,
	})
	if err != nil {
		t.Fatalf("RunInit: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != ":9000" || len(cfg.Partitions) != 1 || cfg.Partitions[0] != partition || !cfg.MySQL.RestartEnabled {
		t.Errorf("generated config = %+v", cfg)
	}

	// A second init keeps what the first one wrote.
	if err := cmd.RunInit(context.Background(), map[string]interface{}{"config-dir": dir, "delete-workers": 8}); err != nil {
		t.Fatalf("second RunInit: %v", err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != ":9000" || cfg.Engine.Performance.DeleteWorkers != 8 {
		t.Errorf("updated config = %+v", cfg)
	}

	// -default -force starts over.
	if err := cmd.RunInit(context.Background(), map[string]interface{}{"config-dir": dir, "default": true, "force": true}); err != nil {
		t.Fatalf("default RunInit: %v", err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != config.NewDefault().ListenAddress || len(cfg.Partitions) != 0 {
		t.Errorf("reset config = %+v", cfg)
	}
}

func TestRunInit_InvalidConfig(t *testing.T) {
	err := cmd.RunInit(context.Background(), map[string]interface{}{
		"config-dir": t.TempDir(),
		"partitions": []string{"relative/path"},
	})
	if err == nil {
		t.Fatal("expected relative partition to be rejected")
	}
}
