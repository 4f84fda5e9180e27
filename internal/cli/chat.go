package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle"
)

var sellerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00BFFF")).Bold(true)

func (c *CLI) newChatCommand() *cobra.Command {
	var (
		modelPath string
		title     string
		price     float64
		beamSize  int
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Negotiate interactively with the model as the seller",
		Example: `  haggle chat --title "Road bike" --price 300
  haggle chat --model model.json --beam 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.loadOrDownloadModel(flagOr(cmd, "model", modelPath, c.cfg.Model))
			if err != nil {
				return err
			}
			decoding, err := c.decoding(cmd, beamSize, 1)
			if err != nil {
				return err
			}
			if err := n.SetDecoding(decoding); err != nil {
				return err
			}

			historyFile := ""
			if err := os.MkdirAll(haggle.ModelDir(), 0755); err == nil {
				historyFile = filepath.Join(haggle.ModelDir(), "chat_history")
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "\033[32mbuyer>\033[0m ",
				HistoryFile:     historyFile,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return err
			}
			defer func() { _ = rl.Close() }()
			return chat(rl, rl.Stdout(), n, title, price)
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Path to model file (default: auto-detect or download)")
	cmd.Flags().StringVar(&title, "title", "", "Title of the listing under negotiation")
	cmd.Flags().Float64Var(&price, "price", 0, "Price the seller quotes for its price markers")
	cmd.Flags().IntVar(&beamSize, "beam", 5, "Beam size")
	return cmd
}

// lineReader is the part of readline.Instance the chat loop uses.
type lineReader interface {
	Readline() (string, error)
}

func chat(rl lineReader, out io.Writer, n *haggle.Negotiator, title string, price float64) error {
	fmt.Fprintln(out, "You are the buyer. Commands: /reset, /history, /quit")
	var history []string
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit", "/q":
			return nil
		case "/reset":
			history = history[:0]
			fmt.Fprintln(out, "Dialogue reset.")
			continue
		case "/history":
			for i, h := range history {
				role := "buyer "
				if i%2 == 1 {
					role = "seller"
				}
				fmt.Fprintf(out, "%s: %s\n", role, h)
			}
			continue
		}

		history = append(history, line)
		replies, err := n.Reply(history, title, price)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			history = history[:len(history)-1]
			continue
		}
		reply := "..."
		if len(replies) > 0 && replies[0].Text != "" {
			reply = replies[0].Text
		}
		history = append(history, reply)
		fmt.Fprintln(out, sellerStyle.Render("seller>")+" "+reply)
	}
}
