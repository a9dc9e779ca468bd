package output

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNewOutput(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	if o == nil {
		t.Fatal("expected non-nil Output")
	}
	if o.w != &buf {
		t.Error("writer not set correctly")
	}
	if !o.useColor {
		t.Error("expected useColor to be true by default")
	}
}

func TestSetColor(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	o.SetColor(false)
	if o.useColor {
		t.Error("expected useColor to be false")
	}

	o.SetColor(true)
	if !o.useColor {
		t.Error("expected useColor to be true")
	}
}

func TestSetDebug(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	o.SetDebug(true)
	if !o.debug {
		t.Error("expected debug to be true")
	}

	o.SetDebug(false)
	if o.debug {
		t.Error("expected debug to be false")
	}
}

func TestColorOutput(t *testing.T) {
	t.Run("color enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(true)

		result := o.color(colorGreen, "test")
		if !strings.Contains(result, "\033[32m") {
			t.Error("expected color code in output")
		}
		if !strings.Contains(result, "\033[0m") {
			t.Error("expected reset code in output")
		}
	})

	t.Run("color disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		result := o.color(colorGreen, "test")
		if result != "test" {
			t.Errorf("expected plain 'test', got %q", result)
		}
	})
}

func TestStepResult(t *testing.T) {
	tests := []struct {
		name     string
		stepName string
		status   string
		wantIn   []string
	}{
		{
			name:     "ok status",
			stepName: "baseline reachability",
			status:   "ok",
			wantIn:   []string{"✓", "baseline reachability", "(1.5s)"},
		},
		{
			name:     "skipped status",
			stepName: "mutation",
			status:   "skipped",
			wantIn:   []string{"○", "mutation"},
		},
		{
			name:     "failed status",
			stepName: "install package",
			status:   "failed",
			wantIn:   []string{"✗", "install package"},
		},
		{
			name:     "unknown status",
			stepName: "odd",
			status:   "weird",
			wantIn:   []string{"?", "odd"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			o := New(&buf)
			o.SetColor(false)

			o.StepResult(tt.stepName, tt.status, 1500*time.Millisecond)

			output := buf.String()
			for _, want := range tt.wantIn {
				if !strings.Contains(output, want) {
					t.Errorf("expected output to contain %q, got %q", want, output)
				}
			}
		})
	}
}

func TestCheck(t *testing.T) {
	t.Run("passing check hidden without debug", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		o.Check("node1", "ping 10.180.0.2", true)
		if buf.Len() != 0 {
			t.Errorf("expected no output, got %q", buf.String())
		}
	})

	t.Run("passing check shown in debug", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)
		o.SetDebug(true)

		o.Check("node1", "ping 10.180.0.2", true)
		if !strings.Contains(buf.String(), "✓ [node1] ping 10.180.0.2") {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("failing check always shown", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		o.Check("node2", "ping 10.190.0.1", false)
		if !strings.Contains(buf.String(), "✗ [node2] ping 10.190.0.1") {
			t.Errorf("unexpected output %q", buf.String())
		}
	})
}

func TestCommand(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Command("lighthouse", "uname -a", "0", "Linux", "")
	if buf.Len() != 0 {
		t.Errorf("expected no output without debug, got %q", buf.String())
	}

	o.SetDebug(true)
	o.Command("lighthouse", "opkg install /root/wgpull.ipk", "255", "", "Collected errors:\n * unknown package\n")

	output := buf.String()
	for _, want := range []string{"$ opkg install /root/wgpull.ipk", "(lighthouse)", "status=255", "stderr:", "* unknown package"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got %q", want, output)
		}
	}
	if strings.Contains(output, "stdout:") {
		t.Error("expected empty stdout to be omitted")
	}
}

func TestFailure(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Failure("start services on node1: status 1", "[node1] $ /etc/init.d/wgpull-node start\n  status: 1\n")

	output := buf.String()
	for _, want := range []string{"FAILED start services on node1", "transcript:", "  [node1] $ /etc/init.d/wgpull-node start", "    status: 1"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got %q", want, output)
		}
	}

	buf.Reset()
	o.Failure("boot failed", "")
	if strings.Contains(buf.String(), "transcript:") {
		t.Errorf("expected no transcript header, got %q", buf.String())
	}
}

func TestScenarioStart(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.ScenarioStart("openwrt network", "scenarios/openwrt/scenario.yaml")

	output := buf.String()
	if !strings.Contains(output, "SCENARIO openwrt network") {
		t.Errorf("expected banner, got %q", output)
	}
	if !strings.Contains(output, "scenarios/openwrt/scenario.yaml") {
		t.Errorf("expected path, got %q", output)
	}
}

func TestInfo(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Info("test %s %d", "message", 42)

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("expected INFO prefix")
	}
	if !strings.Contains(output, "test message 42") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestWarn(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Warn("warning %s", "here")

	output := buf.String()
	if !strings.Contains(output, "WARN") {
		t.Error("expected WARN prefix")
	}
	if !strings.Contains(output, "warning here") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestError(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Error("error: %v", "failed")

	output := buf.String()
	if !strings.Contains(output, "ERROR") {
		t.Error("expected ERROR prefix")
	}
	if !strings.Contains(output, "error: failed") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestDebugOutput(t *testing.T) {
	t.Run("debug enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)
		o.SetDebug(true)

		o.Debug("debug %s", "info")

		output := buf.String()
		if !strings.Contains(output, "DEBUG") {
			t.Error("expected DEBUG prefix when debug enabled")
		}
	})

	t.Run("debug disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)
		o.SetDebug(false)

		o.Debug("debug %s", "info")

		output := buf.String()
		if output != "" {
			t.Errorf("expected empty output when debug disabled, got %q", output)
		}
	})
}

// mockStats implements the Stats interface for testing
type mockStats struct {
	ok, failed, skipped int
	duration            time.Duration
}

func (m *mockStats) GetOK() int                 { return m.ok }
func (m *mockStats) GetFailed() int             { return m.failed }
func (m *mockStats) GetSkipped() int            { return m.skipped }
func (m *mockStats) GetDuration() time.Duration { return m.duration }

func TestRecap(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	stats := &mockStats{
		ok:       5,
		failed:   1,
		skipped:  2,
		duration: 2500 * time.Millisecond,
	}

	o.Recap(stats)

	output := buf.String()
	if !strings.Contains(output, "RECAP") {
		t.Error("expected RECAP in output")
	}
	if !strings.Contains(output, "ok=5") {
		t.Error("expected ok=5 in output")
	}
	if !strings.Contains(output, "failed=1") {
		t.Error("expected failed=1 in output")
	}
	if !strings.Contains(output, "skipped=2") {
		t.Error("expected skipped=2 in output")
	}
	if !strings.Contains(output, "2.50s") {
		t.Error("expected duration in output")
	}
}
