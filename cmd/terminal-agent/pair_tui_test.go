package main

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemforge/terminal-agent/internal/pairing"
)

type stubFlow struct {
	code      string
	tid       string
	pairErr   error
	presenter pairing.Presenter
}

func (s *stubFlow) Pair(context.Context) error {
	if s.pairErr != nil {
		return s.pairErr
	}
	s.tid = "5b1f2c47-8f0e-4a4c-9d59-3ad0a0d2c6b1"
	return nil
}

func (s *stubFlow) Regenerate(context.Context) (string, error) {
	s.code = "271828"
	return s.code, nil
}

func (s *stubFlow) Code() string                     { return s.code }
func (s *stubFlow) TerminalID() string               { return s.tid }
func (s *stubFlow) SetPresenter(p pairing.Presenter) { s.presenter = p }

func key(s string) tea.KeyMsg {
	if s == "enter" {
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m pairModel, msg tea.Msg) (pairModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(pairModel), cmd
}

func TestPairModelShowsCode(t *testing.T) {
	flow := &stubFlow{code: "042917"}
	m := newPairModel(context.Background(), flow, func(tea.Msg) {})
	assert.Contains(t, m.View(), "042 917")

	var sent []tea.Msg
	m.send = func(msg tea.Msg) { sent = append(sent, msg) }
	assert.Nil(t, m.Init()())
	require.NotNil(t, flow.presenter)
	flow.presenter.ShowCode("123456")
	assert.Equal(t, []tea.Msg{codeMsg("123456")}, sent)
}

func TestPairModelInvalidThenRevert(t *testing.T) {
	m := newPairModel(context.Background(), &stubFlow{code: "042917"}, nil)

	m, _ = update(t, m, invalidMsg{})
	assert.Contains(t, m.View(), "Invalid Code")

	m, _ = update(t, m, codeMsg("042917"))
	assert.NotContains(t, m.View(), "Invalid Code")
}

func TestPairModelPairSuccessQuits(t *testing.T) {
	flow := &stubFlow{code: "042917"}
	m := newPairModel(context.Background(), flow, nil)

	m, cmd := update(t, m, key("enter"))
	require.NotNil(t, cmd)
	assert.True(t, m.busy)

	// A second press while pairing is ignored.
	_, again := update(t, m, key("p"))
	assert.Nil(t, again)

	m, cmd = update(t, m, cmd())
	assert.Equal(t, flow.tid, m.paired)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestPairModelPairFailureStays(t *testing.T) {
	flow := &stubFlow{code: "042917", pairErr: errors.New("rejected")}
	m := newPairModel(context.Background(), flow, nil)

	m, cmd := update(t, m, key("enter"))
	m, cmd = update(t, m, cmd())
	assert.Nil(t, cmd)
	assert.False(t, m.busy)
	assert.Empty(t, m.paired)
}

func TestPairModelRegenerateAndQuit(t *testing.T) {
	flow := &stubFlow{code: "042917"}
	m := newPairModel(context.Background(), flow, nil)

	_, cmd := update(t, m, key("r"))
	require.NotNil(t, cmd)
	assert.Nil(t, cmd())
	assert.Equal(t, "271828", flow.code)

	_, cmd = update(t, m, key("q"))
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestFormatCode(t *testing.T) {
	assert.Equal(t, "042 917", formatCode("042917"))
	assert.Equal(t, "12", formatCode("12"))
}
