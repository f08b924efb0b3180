package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pb33f/harcap/archive"
	"github.com/pb33f/harcap/motor"
	"github.com/pb33f/harhar"
	"github.com/spf13/cobra"
)

var (
	inspectJSON  bool
	inspectEntry int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <har-file>",
	Short: "Summarize a HAR archive",
	Long: `Index a HAR archive without loading it and print what it holds: entry counts
per method, host and status class, the captured time range and byte totals.
With --entry a single entry is read and printed the way replay sees it.`,
	Args: cobra.ExactArgs(1),
	Example: `  harcap inspect login.har
  harcap inspect login.har --json
  harcap inspect login.har --entry 3`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print the summary as JSON")
	inspectCmd.Flags().IntVarP(&inspectEntry, "entry", "e", -1, "Print the entry at this index instead of the summary")
}

func runInspect(cmd *cobra.Command, args []string) error {
	harFile := args[0]
	if err := ValidateHARFile(harFile); err != nil {
		return err
	}

	streamer, err := InitializeStreamer(cmd.Context(), harFile, GetLogger())
	if err != nil {
		return err
	}
	defer streamer.Close()

	if cmd.Flags().Changed("entry") {
		return inspectOne(cmd, streamer, inspectEntry)
	}

	summary := motor.Summarize(streamer.GetIndex())
	if inspectJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	printSummary(cmd.OutOrStdout(), summary)
	return nil
}

func printSummary(w io.Writer, s motor.Summary) {
	fmt.Fprintf(w, "Archive:    %s\n", s.FilePath)
	fmt.Fprintf(w, "Size:       %d bytes\n", s.FileSize)
	if s.Creator != "" {
		fmt.Fprintf(w, "Creator:    %s\n", s.Creator)
	}
	fmt.Fprintf(w, "Entries:    %d (%d unique URLs, %d with post data)\n", s.Entries, s.UniqueURLs, s.WithPostData)
	fmt.Fprintf(w, "Bytes:      %d request, %d response\n", s.RequestBytes, s.ResponseBytes)
	if !s.Start.IsZero() {
		fmt.Fprintf(w, "Captured:   %s to %s (%s)\n",
			s.Start.Format(time.DateTime), s.End.Format(time.DateTime), s.Span.Round(time.Second))
	}

	for _, section := range []struct {
		title  string
		counts []motor.Count
	}{
		{"Methods", s.Methods},
		{"Hosts", s.Hosts},
		{"Statuses", s.Statuses},
	} {
		if len(section.counts) == 0 {
			continue
		}
		parts := make([]string, 0, len(section.counts))
		for _, c := range section.counts {
			parts = append(parts, fmt.Sprintf("%s=%d", c.Value, c.Count))
		}
		fmt.Fprintf(w, "%-11s %s\n", section.title+":", strings.Join(parts, " "))
	}
}

// entryView is the --entry --json document.
type entryView struct {
	Index  int          `json:"index"`
	Offset int64        `json:"offset"`
	Length int64        `json:"length"`
	Kind   string       `json:"kind"`
	Entry  harhar.Entry `json:"entry"`
}

func inspectOne(cmd *cobra.Command, streamer motor.HARStreamer, index int) error {
	meta, err := streamer.GetMetadata(index)
	if err != nil {
		return err
	}
	captured, err := streamer.GetCapture(cmd.Context(), index)
	if err != nil {
		return err
	}

	if inspectJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entryView{
			Index:  index,
			Offset: meta.FileOffset,
			Length: meta.Length,
			Kind:   captured.Kind().String(),
			Entry:  captured.Entry(),
		})
	}
	printCapture(cmd.OutOrStdout(), index, meta, captured)
	return nil
}

func printCapture(w io.Writer, index int, meta *motor.EntryMetadata, c *archive.CaptureRequest) {
	req, resp := c.Request(), c.Response()
	fmt.Fprintf(w, "Entry:      %d (%d bytes at offset %d)\n", index, meta.Length, meta.FileOffset)
	fmt.Fprintf(w, "Started:    %s\n", c.Started().UTC().Format(time.DateTime))
	fmt.Fprintf(w, "Request:    %s %s %s\n", req.Method, req.URL, req.Proto)
	fmt.Fprintf(w, "Response:   %d %s\n", resp.StatusCode, resp.Reason)
	fmt.Fprintf(w, "Body:       %s\n", c.Kind())

	for _, h := range req.Headers {
		fmt.Fprintf(w, "  > %s: %s\n", h.Name, h.Value)
	}
	body, ok := c.PostData()
	if !ok {
		return
	}
	if body.Kind() == archive.BodyText {
		fmt.Fprintf(w, "  %s, %d bytes\n", body.MimeType(), len(body.Text()))
		return
	}
	for _, p := range body.Params() {
		if p.IsUpload() {
			fmt.Fprintf(w, "  %s = <%s, %s>\n", p.Name(), p.FileName(), p.ContentType())
			continue
		}
		fmt.Fprintf(w, "  %s = %s\n", p.Name(), p.Value())
	}
}
