package browserjs

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecExpression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		args string
		want string
	}{
		{"function(){ return 1+1; }", "", "2"},
		{"function(a){ return a.x * 2; }", `{"x":21}`, "42"},
		{"function(a){ return [a, 'b']; }", `"a"`, `["a","b"]`},
		{"function(){}", "null", ""},
		{"function(a){ return a; }", "", "null"},
	}
	for _, tt := range tests {
		vm := goja.New()
		v, err := vm.RunString(ExecExpression(tt.fn, []byte(tt.args)))
		require.NoError(t, err, tt.fn)
		assert.Equal(t, tt.want, v.String(), tt.fn)
	}
}

func TestHelpersDefineInstaller(t *testing.T) {
	t.Parallel()

	assert.Contains(t, Helpers, "installHarnessHelpers")
	assert.Contains(t, Helpers, "$.filterVisible")
}
