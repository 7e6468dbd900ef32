package logic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/data-riot/policy-as-code/pkg/contracts"
)

func TestRuleLogicExecute(t *testing.T) {
	source := []byte(`{
		"rules": [{
			"id": "eligible",
			"priority": 1,
			"conditions": [
				{"field": "credit_score", "op": "gte", "value": 700},
				{"field": "features.fraud_flag", "op": "eq", "value": false}
			],
			"result": {"eligible": true}
		}],
		"default_result": {"eligible": false}
	}`)

	ev, err := NewRuleLogic(source)
	require.NoError(t, err)

	out, err := ev.Execute(context.Background(), map[string]any{"credit_score": 720.0}, Context{
		Features: map[string]any{"fraud_flag": false},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["eligible"])

	out, err = ev.Execute(context.Background(), map[string]any{"credit_score": 720.0}, Context{
		Features: map[string]any{"fraud_flag": true},
	})
	require.NoError(t, err)
	assert.Equal(t, false, out["eligible"])
}

func TestCELLogicExecute(t *testing.T) {
	ev, err := NewCELLogic(`{"eligible": input.credit_score >= 700 && features.fraud_flag == false}`)
	require.NoError(t, err)

	out, err := ev.Execute(context.Background(), map[string]any{"credit_score": 720}, Context{
		Features: map[string]any{"fraud_flag": false},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["eligible"])
}

func TestCELLogicCompileError(t *testing.T) {
	_, err := NewCELLogic(`this is not CEL ((`)
	assert.Error(t, err)
}

func TestCELLogicNonMapResult(t *testing.T) {
	ev, err := NewCELLogic(`input.credit_score >= 700`)
	require.NoError(t, err)

	_, err = ev.Execute(context.Background(), map[string]any{"credit_score": 720}, Context{})
	assert.Error(t, err)
}

func TestWASMLogicRejectsGarbage(t *testing.T) {
	_, err := NewWASMLogic(context.Background(), []byte("not a wasm module"))
	assert.Error(t, err)

	_, err = NewWASMLogic(context.Background(), nil)
	assert.Error(t, err)
}

func TestNativeRegistry(t *testing.T) {
	reg := NewNativeRegistry()
	err := reg.Register("echo", func(ctx context.Context, input map[string]any, ec Context) (map[string]any, error) {
		return input, nil
	})
	require.NoError(t, err)

	// Duplicate registration is rejected.
	err = reg.Register("echo", func(ctx context.Context, input map[string]any, ec Context) (map[string]any, error) {
		return nil, nil
	})
	assert.Error(t, err)

	ev, err := reg.Resolve("echo")
	require.NoError(t, err)
	out, err := ev.Execute(context.Background(), map[string]any{"k": "v"}, Context{})
	require.NoError(t, err)
	assert.Equal(t, "v", out["k"])

	_, err = reg.Resolve("missing")
	assert.Error(t, err)
}

func TestNativeLogicPropagatesError(t *testing.T) {
	reg := NewNativeRegistry()
	boom := errors.New("boom")
	require.NoError(t, reg.Register("fails", func(ctx context.Context, input map[string]any, ec Context) (map[string]any, error) {
		return nil, boom
	}))

	ev, err := reg.Resolve("fails")
	require.NoError(t, err)
	_, err = ev.Execute(context.Background(), nil, Context{})
	assert.ErrorIs(t, err, boom)
}

func TestFromSpecDispatch(t *testing.T) {
	natives := NewNativeRegistry()
	require.NoError(t, natives.Register("noop", func(ctx context.Context, input map[string]any, ec Context) (map[string]any, error) {
		return map[string]any{}, nil
	}))

	cases := []struct {
		name    string
		spec    contracts.LogicSpec
		wantErr bool
	}{
		{"rule set", contracts.LogicSpec{Kind: contracts.LogicKindRuleSet, Source: []byte(`{"rules":[{"id":"r","result":{"v":1}}]}`)}, false},
		{"cel", contracts.LogicSpec{Kind: contracts.LogicKindCEL, Source: []byte(`{"v": 1}`)}, false},
		{"native", contracts.LogicSpec{Kind: contracts.LogicKindNative, Source: []byte("noop")}, false},
		{"unknown native", contracts.LogicSpec{Kind: contracts.LogicKindNative, Source: []byte("ghost")}, true},
		{"bad wasm", contracts.LogicSpec{Kind: contracts.LogicKindWASM, Source: []byte("junk")}, true},
		{"unknown kind", contracts.LogicSpec{Kind: "prolog", Source: nil}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromSpec(context.Background(), tc.spec, natives)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifyMatchesFromSpec(t *testing.T) {
	err := Verify(context.Background(), contracts.LogicSpec{
		Kind:   contracts.LogicKindCEL,
		Source: []byte(`{"ok": true}`),
	}, nil)
	assert.NoError(t, err)

	err = Verify(context.Background(), contracts.LogicSpec{
		Kind:   contracts.LogicKindCEL,
		Source: []byte(`((`),
	}, nil)
	assert.Error(t, err)
}
