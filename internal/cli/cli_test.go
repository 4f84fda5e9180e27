package cli

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/haggle"
	"github.com/happyhackingspace/haggle/dialogue"
	"github.com/happyhackingspace/haggle/internal/storage"
)

func writeDialogues(t *testing.T, dir string) {
	t.Helper()
	rng := rand.New(rand.NewPCG(3, 4))
	scenarios := []dialogue.Scenario{
		must.M1(dialogue.NewScenario("Road bike", "", "bike", "https://a.example.com/1", 300, rng)),
		must.M1(dialogue.NewScenario("Desk lamp", "", "furniture", "https://b.example.com/2", 40, rng)),
	}
	opts := dialogue.DefaultOptions()
	heuristic := must.M1(dialogue.NewSystem("heuristic", opts))
	simple := must.M1(dialogue.NewSystem("simple", opts))
	db := dialogue.NewScenarioDB(scenarios)

	store := storage.NewStorage(dir)
	require.NoError(t, store.WriteScenarios(scenarios))
	require.NoError(t, store.WriteExamples("train", dialogue.GenerateExamples(db, [2]dialogue.System{heuristic, simple}, 0, 4, 0)))
	require.NoError(t, store.WriteExamples("test", dialogue.GenerateExamples(db, [2]dialogue.System{heuristic, heuristic}, 0, 2, 0)))
}

func TestCommandsRegistered(t *testing.T) {
	c := New("test")
	var names []string
	for _, cmd := range c.rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"train", "evaluate", "respond", "chat", "data", "up"} {
		assert.Contains(t, names, want)
	}
}

func TestFlagOr(t *testing.T) {
	c := New("test")
	cmd := c.newRespondCommand()
	require.NoError(t, cmd.Flags().Set("beam", "7"))
	assert.Equal(t, 7, flagOr(cmd, "beam", 7, 3))
	assert.Equal(t, 3, flagOr(cmd, "nbest", 1, 3))

	cfg, err := c.decoding(cmd, 7, 9)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BeamSize, "nbest flag not set, config value wins")
	assert.Equal(t, 1, cfg.NBest)

	require.NoError(t, cmd.Flags().Set("nbest", "9"))
	cfg, err = c.decoding(cmd, 7, 9)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.BeamSize, "beam grows to n-best")
	assert.Equal(t, 9, cfg.NBest)
}

func TestReadHistory(t *testing.T) {
	history, err := readHistory(strings.NewReader("Hi!\n\n  How much?  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi!", "How much?"}, history)

	_, err = readHistory(strings.NewReader("\n \n"))
	assert.Error(t, err)
}

func TestTarGzRoundTrip(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	writeDialogues(t, "data")

	var buf bytes.Buffer
	require.NoError(t, writeTarGz(&buf, "data"))

	n, err := extractTarGz(&buf, "copy")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, name := range []string{"scenarios.json", "train.json", "test.json"} {
		want := must.M1(os.ReadFile(filepath.Join("data", name)))
		got := must.M1(os.ReadFile(filepath.Join("copy", name)))
		assert.Equal(t, want, got, name)
	}
}

func TestDataStats(t *testing.T) {
	dir := t.TempDir()
	writeDialogues(t, dir)

	var out bytes.Buffer
	require.NoError(t, dataStats(&out, dir))
	text := out.String()
	assert.Contains(t, text, "Scenarios: 2")
	assert.Contains(t, text, "train  dialogues:       4")
	assert.Contains(t, text, "test   dialogues:       2")
	assert.NotContains(t, text, "dev")

	assert.Error(t, dataStats(io.Discard, t.TempDir()))
}

type scriptReader struct{ lines []string }

func (r *scriptReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func TestChat(t *testing.T) {
	dir := t.TempDir()
	writeDialogues(t, dir)
	cfg := haggle.DefaultTrainConfig()
	cfg.Model.Hidden = 8
	cfg.Train.Epochs = 1
	cfg.Train.ModelPath = ""
	cfg.Train.ReportEvery = 0
	n := must.M1(haggle.Train(context.Background(), dir, cfg))

	rl := &scriptReader{lines: []string{"hi", "", "would you take $200?", "/history", "/reset", "/quit", "never read"}}
	var out bytes.Buffer
	require.NoError(t, chat(rl, &out, n, "Road bike", 250))
	text := out.String()
	assert.Equal(t, 2, strings.Count(text, "seller>"))
	assert.Contains(t, text, "buyer : would you take $200?")
	assert.Contains(t, text, "Dialogue reset.")
	assert.Equal(t, []string{"never read"}, rl.lines)
}
