package filter

import (
	"testing"

	"github.com/tinytelemetry/tracepush/internal/model"
)

func record() *model.TraceRecord {
	return &model.TraceRecord{
		Provider: "Microsoft-Windows-Kernel-Process",
		EventID:  1,
		Level:    model.LevelInformational,
		Keywords: 0x10,
		Payload: model.Payload{
			{Name: "ImageName", Value: `C:\Windows\notepad.exe`},
			{Name: "ProcessID", Value: 4242},
		},
	}
}

func TestCompileAndEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   bool
	}{
		{"empty accepts", "", true},
		{"provider match", `provider startsWith "Microsoft-Windows-Kernel"`, true},
		{"event id", `id == 2`, false},
		{"level gate", `level <= 4`, true},
		{"payload field", `payload.ImageName endsWith "notepad.exe"`, true},
		{"payload number", `payload.ProcessID > 4000`, true},
		{"keyword helper", `hasKeyword(keywords, 0x10)`, true},
		{"keyword helper miss", `hasKeyword(keywords, 0x20)`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, diags := Compile(tt.source)
			if len(diags) != 0 {
				t.Fatalf("Compile diagnostics: %+v", diags)
			}
			if got := pred(record()); got != tt.want {
				t.Fatalf("predicate=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompileReportsDiagnostics(t *testing.T) {
	for _, src := range []string{
		`provider ==`,
		`unknownField == 1`,
		`id + 1`,
	} {
		pred, diags := Compile(src)
		if pred != nil {
			t.Errorf("Compile(%q) returned a predicate", src)
		}
		if len(diags) == 0 {
			t.Errorf("Compile(%q) returned no diagnostics", src)
			continue
		}
		if diags[0].Message == "" || diags[0].Severity != "Error" {
			t.Errorf("Compile(%q) diagnostic=%+v", src, diags[0])
		}
	}
	if diags := Test(`level == 2`); len(diags) != 0 {
		t.Fatalf("Test valid filter: %+v", diags)
	}
}

func TestRuntimeErrorRejectsRecord(t *testing.T) {
	pred, diags := Compile(`payload.Missing.Field == 1`)
	if len(diags) != 0 {
		t.Fatalf("Compile diagnostics: %+v", diags)
	}
	if pred(record()) {
		t.Fatal("record retained after evaluation error")
	}
}
