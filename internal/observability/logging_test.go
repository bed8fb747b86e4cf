package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/intraflow/internal/config"
	"github.com/pitabwire/intraflow/model"
)

func TestNewLogger_levels(t *testing.T) {
	cases := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tc.level}, "intraflow", "test")
		if err != nil {
			t.Fatalf("NewLogger(%q) error = %v", tc.level, err)
		}
		if !logger.Core().Enabled(tc.want) {
			t.Errorf("level %q: %v should be enabled", tc.level, tc.want)
		}
		if tc.want > zapcore.DebugLevel && logger.Core().Enabled(tc.want-1) {
			t.Errorf("level %q: %v should be disabled", tc.level, tc.want-1)
		}
	}
}

func TestNewLogger_consoleFormat(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "info", LogFormat: "console"}, "intraflow", "test")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewLogger() returned nil")
	}
}

func TestLoggerFrom(t *testing.T) {
	fallback := zap.NewNop()
	if LoggerFrom(context.Background(), fallback) != fallback {
		t.Error("empty context should yield the fallback")
	}

	stored := zap.NewExample()
	ctx := WithLogger(context.Background(), stored)
	if LoggerFrom(ctx, fallback) != stored {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestCallerLogger_tagsCaller(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "u-17",
		Email:         "ana@portal.example",
		CorrelationID: "corr-1",
		TraceID:       "0af7651916cd43dd8448eb211c80319c",
		SpanID:        "b7ad6b7169203331",
	})

	CallerLogger(ctx, zap.New(core)).Info("request")

	fields := logs.All()[0].ContextMap()
	want := map[string]string{
		"user_id":        "u-17",
		"user_email":     "ana@portal.example",
		"correlation_id": "corr-1",
		"trace_id":       "0af7651916cd43dd8448eb211c80319c",
		"span_id":        "b7ad6b7169203331",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %q", k, fields[k], v)
		}
	}
}

func TestCallerLogger_omitsEmptyIDs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "u-17",
		Email:     "ana@portal.example",
	})

	CallerLogger(ctx, zap.New(core)).Info("request")

	fields := logs.All()[0].ContextMap()
	for _, k := range []string{"correlation_id", "trace_id", "span_id"} {
		if _, ok := fields[k]; ok {
			t.Errorf("%s should be omitted when empty", k)
		}
	}
}

func TestCallerLogger_noRequestContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	CallerLogger(context.Background(), zap.New(core)).Info("health")

	if n := len(logs.All()[0].Context); n != 0 {
		t.Errorf("fields = %d, want 0", n)
	}
}

func TestRequestFields(t *testing.T) {
	if RequestFields(nil) != nil {
		t.Error("nil request should yield no fields")
	}

	core, logs := observer.New(zapcore.InfoLevel)
	zap.New(core).Info("request overdue", RequestFields(&model.WorkflowRequest{
		ID:        "6f1c",
		RequestID: "0042",
		Type:      "Férias",
		Status:    "Em análise",
	})...)

	fields := logs.All()[0].ContextMap()
	if fields["request_id"] != "0042" {
		t.Errorf("request_id = %v, want the display id", fields["request_id"])
	}
	if fields["type"] != "Férias" || fields["status"] != "Em análise" {
		t.Errorf("fields = %v", fields)
	}
}

func TestRedactBody_personalData(t *testing.T) {
	body := map[string]any{
		"nome":    "Ana",
		"CPF":     "123.456.789-00",
		"salario": 4200.5,
		"motivo":  "viagem",
	}

	got := RedactBody(body, nil)

	if got["nome"] != "Ana" || got["motivo"] != "viagem" {
		t.Errorf("ordinary fields changed: %v", got)
	}
	if got["CPF"] != Redacted {
		t.Errorf("CPF = %v, want redacted regardless of case", got["CPF"])
	}
	if got["salario"] != Redacted {
		t.Errorf("salario = %v, want redacted", got["salario"])
	}
}

func TestRedactBody_extraKeys(t *testing.T) {
	got := RedactBody(map[string]any{"matricula": "8812", "setor": "TI"}, []string{"Matricula"})

	if got["matricula"] != Redacted {
		t.Errorf("matricula = %v, want redacted", got["matricula"])
	}
	if got["setor"] != "TI" {
		t.Errorf("setor = %v, want TI", got["setor"])
	}
}

func TestRedactBody_nestedAndLists(t *testing.T) {
	body := map[string]any{
		"dependentes": []any{
			map[string]any{"nome": "Bia", "cpf": "987"},
			"texto livre",
		},
		"banco": map[string]any{"agencia": "0001", "nome": "Banco X"},
	}

	got := RedactBody(body, nil)

	deps := got["dependentes"].([]any)
	first := deps[0].(map[string]any)
	if first["cpf"] != Redacted || first["nome"] != "Bia" {
		t.Errorf("dependent = %v", first)
	}
	if deps[1] != "texto livre" {
		t.Errorf("scalar list item = %v", deps[1])
	}
	banco := got["banco"].(map[string]any)
	if banco["agencia"] != Redacted || banco["nome"] != "Banco X" {
		t.Errorf("banco = %v", banco)
	}
}

func TestRedactBody_leavesInputUntouched(t *testing.T) {
	nested := map[string]any{"pix": "ana@pix"}
	body := map[string]any{"cpf": "123", "pagamento": nested}

	RedactBody(body, nil)

	if body["cpf"] != "123" || nested["pix"] != "ana@pix" {
		t.Errorf("input mutated: %v", body)
	}
}

func TestRedactBody_nil(t *testing.T) {
	if RedactBody(nil, []string{"cpf"}) != nil {
		t.Error("RedactBody(nil) should return nil")
	}
}
