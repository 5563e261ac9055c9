package errlog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopworks/conductor/internal/errlog"
)

func TestCaptureDedupsWithinWindow(t *testing.T) {
	c := errlog.New()
	c.Capture(context.Background(), "agent", "provider timeout", errors.New("boom"))
	c.Capture(context.Background(), "agent", "provider timeout", errors.New("boom"))

	records := c.Unresolved(30)
	require.Len(t, records, 1)
	require.Equal(t, 2, records[0].Count)
}

func TestCaptureIgnoresImprovementLoopOrigin(t *testing.T) {
	c := errlog.New()
	c.Capture(context.Background(), "improvement_loop", "self-inflicted failure", nil)

	require.False(t, c.HasActionable())
	require.Empty(t, c.Unresolved(30))
}

func TestMarkAllResolvedClearsActionable(t *testing.T) {
	c := errlog.New()
	c.Capture(context.Background(), "tool", "disk full", nil)
	require.True(t, c.HasActionable())

	c.MarkAllResolved()
	require.False(t, c.HasActionable())
}

func TestFormatForPromptListsOriginAndRepeatCount(t *testing.T) {
	c := errlog.New()
	c.Capture(context.Background(), "agent", "rate limited", nil)
	c.Capture(context.Background(), "agent", "rate limited", nil)

	out := c.FormatForPrompt()
	require.Contains(t, out, "agent")
	require.Contains(t, out, "rate limited")
	require.Contains(t, out, "x2")
}

func TestFormatForPromptEmptyWhenNoUnresolved(t *testing.T) {
	c := errlog.New()
	require.Equal(t, "", c.FormatForPrompt())
}
