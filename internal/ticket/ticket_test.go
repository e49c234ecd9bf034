package ticket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	tk := New("ENG-1", "Add retry")
	require.Equal(t, "ENG-1", tk.Key)
	require.Equal(t, StatusTodo, tk.Status)
	require.Equal(t, ComplexityMedium, tk.Complexity)
}

func TestEffectiveComplexity_UnsetIsMedium(t *testing.T) {
	tk := Ticket{Key: "ENG-2"}
	require.Equal(t, ComplexityMedium, tk.EffectiveComplexity())

	tk.Complexity = ComplexityHigh
	require.Equal(t, ComplexityHigh, tk.EffectiveComplexity())
}

func TestHasLabel_CaseInsensitive(t *testing.T) {
	tk := Ticket{Key: "ENG-3", Labels: []string{"Review", "backend"}}
	require.True(t, tk.HasLabel("review"))
	require.True(t, tk.HasLabel("BACKEND"))
	require.False(t, tk.HasLabel("frontend"))
}

func TestHasAnyLabel(t *testing.T) {
	tk := Ticket{Key: "ENG-4", Labels: []string{"triage"}}
	require.True(t, tk.HasAnyLabel("linear", "triage", "planning"))
	require.False(t, tk.HasAnyLabel("review", "pr"))
}

func TestEqual_ByKeyOnly(t *testing.T) {
	a := Ticket{Key: "ENG-5", Title: "one"}
	b := Ticket{Key: "ENG-5", Title: "completely different"}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(Ticket{Key: "ENG-6"}))
}

func TestPollPlaceholder(t *testing.T) {
	p := PollPlaceholder()
	require.True(t, p.IsPollPlaceholder())
	require.False(t, New("ENG-7", "x").IsPollPlaceholder())
}
