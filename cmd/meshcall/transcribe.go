package main

import (
	"fmt"

	"github.com/bartaai/meshcall/internal/transcript"
	"github.com/bartaai/meshcall/internal/ui"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	flagEngine  string
	flagSummary bool
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file>",
	Short: "Transcribe a recorded meeting with the speech backend",
	Example: `  meshcall transcribe meeting.wav
  meshcall transcribe meeting.wav --engine wav2vec --summary`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := transcript.ParseEngine(flagEngine)
		if err != nil {
			return err
		}

		client := transcript.NewClient(cfg.TranscribeURL, cfg.TranscribeTimeout)
		segments, err := client.Transcribe(cmd.Context(), args[0], engine)
		if err != nil {
			return err
		}
		fmt.Println(segmentsView(segments))

		if !flagSummary {
			return nil
		}
		summary, err := client.Summarize(cmd.Context(), segments)
		if err != nil {
			return err
		}
		fmt.Println(summaryView(summary))
		return nil
	},
}

func init() {
	f := transcribeCmd.Flags()
	f.StringVar(&opts.TranscribeURL, "backend", "", "speech backend base URL")
	f.StringVarP(&flagEngine, "engine", "e", string(transcript.EngineWhisper), "whisper, wav2vec or google")
	f.BoolVar(&flagSummary, "summary", false, "also request a summary and action items")
	rootCmd.AddCommand(transcribeCmd)
}

func styledTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ui.Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return ui.TableHeaderStyle
			case row%2 == 0:
				return ui.TableRowStyle
			default:
				return ui.TableRowAltStyle
			}
		}).
		Render()
}

func segmentsView(segments []transcript.Segment) string {
	if len(segments) == 0 {
		return ui.MutedStyle.Render("No speech found")
	}
	rows := make([][]string, 0, len(segments))
	for _, s := range segments {
		rows = append(rows, []string{fmt.Sprintf("%.1fs", s.Start), fmt.Sprintf("%.1fs", s.End), s.Text})
	}
	return styledTable([]string{"Start", "End", "Text"}, rows)
}

func summaryView(s transcript.Summary) string {
	rows := make([][]string, 0, len(s.Summary)+len(s.ActionItems))
	for _, line := range s.Summary {
		rows = append(rows, []string{"Summary", line})
	}
	for _, item := range s.ActionItems {
		rows = append(rows, []string{"Action", item})
	}
	if len(rows) == 0 {
		return ui.MutedStyle.Render("Nothing to summarize")
	}
	return styledTable([]string{"", "Point"}, rows)
}
