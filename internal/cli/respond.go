package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle"
	"github.com/happyhackingspace/haggle/generator"
)

const modelURL = "https://huggingface.co/datasets/happyhackingspace/haggle/resolve/main/model.json"

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 1).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
)

func (c *CLI) newRespondCommand() *cobra.Command {
	var (
		modelPath string
		title     string
		price     float64
		beamSize  int
		nBest     int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "respond [utterance...]",
		Short: "Generate the next turn of a negotiation",
		Example: `  # One argument per turn, oldest first
  haggle respond "Hi, is the bike still available?" --title "Road bike"

  # Read the turns from stdin, one per line
  printf 'Hi!\nHello, interested in the sofa?\n' | haggle respond --title "Leather sofa"

  # Show the 5 best replies with prices filled in
  haggle respond "How much do you want for it?" --price 250 --beam 5 --nbest 5

  # JSON output
  haggle respond "Would you take 200?" --json -s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			history := args
			if len(history) == 0 {
				if isStdinTerminal() {
					return cmd.Help()
				}
				var err error
				if history, err = readHistory(os.Stdin); err != nil {
					return err
				}
			}
			slog.Debug("Dialogue history", "turns", len(history), "title", title)

			start := time.Now()
			n, err := c.loadOrDownloadModel(flagOr(cmd, "model", modelPath, c.cfg.Model))
			if err != nil {
				return err
			}
			slog.Debug("Model loaded", "duration", time.Since(start))

			decoding, err := c.decoding(cmd, beamSize, nBest)
			if err != nil {
				return err
			}
			if err := n.SetDecoding(decoding); err != nil {
				return err
			}

			start = time.Now()
			replies, err := n.Reply(history, title, price)
			if err != nil {
				return err
			}
			slog.Debug("Decoding completed", "replies", len(replies), "duration", time.Since(start))

			if asJSON {
				output, _ := json.MarshalIndent(replies, "", "  ")
				fmt.Println(string(output))
				return nil
			}
			if len(replies) == 0 {
				fmt.Println("No reply generated.")
				return nil
			}
			if len(replies) == 1 {
				fmt.Println(replies[0].Text)
				return nil
			}
			fmt.Println(repliesTable(replies))
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Path to model file (default: auto-detect or download)")
	cmd.Flags().StringVar(&title, "title", "", "Title of the listing under negotiation")
	cmd.Flags().Float64Var(&price, "price", 0, "Price used to fill the price markers of the replies")
	cmd.Flags().IntVar(&beamSize, "beam", 5, "Beam size")
	cmd.Flags().IntVar(&nBest, "nbest", 1, "Number of replies to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print replies as JSON")
	return cmd
}

func repliesTable(replies []haggle.Reply) string {
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("#", "score", "reply").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
	for i, r := range replies {
		t.Row(strconv.Itoa(i+1), fmt.Sprintf("%.3f", r.Score), r.Text)
	}
	return t.String()
}

// decoding builds the beam search settings from the config file and the
// --beam and --nbest flags.
func (c *CLI) decoding(cmd *cobra.Command, beamSize, nBest int) (generator.Config, error) {
	d := c.cfg.Decode
	d.BeamSize = flagOr(cmd, "beam", beamSize, d.BeamSize)
	if cmd.Flags().Lookup("nbest") != nil {
		d.NBest = flagOr(cmd, "nbest", nBest, d.NBest)
	}
	if d.NBest > d.BeamSize {
		d.BeamSize = d.NBest
	}
	return d.Generator()
}

func isStdinTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// readHistory reads one utterance per non-empty line.
func readHistory(r io.Reader) ([]string, error) {
	slog.Debug("Reading from stdin")
	var history []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			history = append(history, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read stdin")
	}
	if len(history) == 0 {
		return nil, errors.New("stdin is empty")
	}
	return history, nil
}

func (c *CLI) loadOrDownloadModel(modelPath string) (*haggle.Negotiator, error) {
	if modelPath != "" {
		slog.Debug("Loading custom model", "path", modelPath)
		return haggle.Load(modelPath)
	}

	n, err := haggle.New()
	if err == nil {
		return n, nil
	}

	dest := filepath.Join(haggle.ModelDir(), haggle.ModelFile)
	slog.Info("Model not found, downloading", "url", modelURL, "dest", dest)
	if err := download(modelURL, dest); err != nil {
		return nil, err
	}
	return haggle.Load(dest)
}

// download writes the body of url to dest, removing dest on failure.
func download(url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrap(err, "create model dir")
	}

	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrap(err, "download model")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download model: HTTP %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "create model file")
	}
	written, err := io.Copy(f, resp.Body)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return errors.Wrap(err, "download model")
	}
	_ = f.Close()

	slog.Info("Model downloaded", "size", humanize.Bytes(uint64(written)))
	return nil
}
