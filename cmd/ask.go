package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/thoughtmap/internal/api"
	"github.com/thoughtmap/internal/parser"
	"github.com/thoughtmap/internal/session"
	"github.com/thoughtmap/internal/stream"
	"github.com/thoughtmap/pkg/models"
)

// AskCommand returns the command that asks one question and streams the answer
func AskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a question and stream the answer",
		ArgsUsage: "QUESTION",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "map",
				Aliases: []string{"m"},
				Usage:   "Map to ask in; a new map is created when empty",
			},
			&cli.StringFlag{
				Name:  "parent",
				Usage: "Node the answer is attached below",
			},
			&cli.StringFlag{
				Name:  "suggestion",
				Usage: "Potential node the question comes from",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Model to answer with (defaults to llm.default_model)",
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Ask a running thoughtmap server instead of calling the model directly",
				EnvVars: []string{"THOUGHTMAP_SERVER"},
			},
		},
		Action: runAsk,
	}
}

func runAsk(c *cli.Context) error {
	question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if question == "" {
		return cli.Exit("a question is required", 1)
	}
	req := session.AskRequest{
		Question:        question,
		ParentNodeID:    c.String("parent"),
		PotentialNodeID: c.String("suggestion"),
		Model:           c.String("model"),
	}

	if server := c.String("server"); server != "" {
		return askRemote(c.Context, server, c.String("map"), req, os.Stdout)
	}
	return askLocal(c, req, os.Stdout)
}

func askLocal(c *cli.Context, req session.AskRequest, out io.Writer) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	mapID := c.String("map")
	if mapID == "" {
		created, err := rt.manager.CreateMap(ctx, titleFor(req.Question))
		if err != nil {
			return err
		}
		mapID = created.ID
	}
	sess, err := rt.manager.Session(ctx, mapID)
	if err != nil {
		return err
	}

	printer := newAnswerPrinter(out)
	res, err := sess.AskStream(ctx, req, printer.Write)
	if err != nil {
		return err
	}
	printer.Flush()
	printResult(out, mapID, res)
	return nil
}

// askRemote posts the question to the streaming endpoint of a server
func askRemote(ctx context.Context, server, mapID string, req session.AskRequest, out io.Writer) error {
	server = strings.TrimRight(server, "/")
	client := &http.Client{Timeout: 5 * time.Minute}

	if mapID == "" {
		var created models.Map
		if err := postJSON(ctx, client, server+"/api/v1/maps", api.CreateMapRequest{Title: titleFor(req.Question)}, &created); err != nil {
			return err
		}
		mapID = created.ID
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/v1/maps/"+mapID+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return remoteError(resp)
	}

	printer := newAnswerPrinter(out)
	src := stream.NewSSESource(resp.Body)
	asm := stream.NewAssembler(stream.WithUpdateHook(printer.Update))
	if _, err := asm.Run(ctx, src); err != nil {
		return err
	}
	printer.Flush()

	var res session.AskResult
	if err := src.Final(&res); err != nil {
		return fmt.Errorf("failed to read result: %w", err)
	}
	printResult(out, mapID, res)
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return remoteError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func remoteError(resp *http.Response) error {
	var e api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, e.Error)
}

func printResult(out io.Writer, mapID string, res session.AskResult) {
	fmt.Fprintf(out, "\n\nmap %s, node %s\n", mapID, res.Node.ID)
	if len(res.PotentialNodes) == 0 {
		return
	}
	fmt.Fprintln(out, "Follow-up questions:")
	for _, p := range res.PotentialNodes {
		fmt.Fprintf(out, "  [%s] %s\n", p.ID, p.Question)
	}
}

// titleFor derives a map title from its first question
func titleFor(question string) string {
	const maxLen = 60
	runes := []rune(question)
	if len(runes) <= maxLen {
		return question
	}
	return string(runes[:maxLen-3]) + "..."
}

// answerPrinter echoes the answer part of streamed text. Trailing blanks and a tail that
// could start the suggestion separator are held back until more text arrives.
type answerPrinter struct {
	out     io.Writer
	text    strings.Builder
	printed int
	done    bool
}

func newAnswerPrinter(out io.Writer) *answerPrinter {
	return &answerPrinter{out: out}
}

// Write appends one fragment
func (p *answerPrinter) Write(fragment string) {
	p.text.WriteString(fragment)
	p.emit()
}

// Update accepts the full text received so far
func (p *answerPrinter) Update(partial string) {
	if len(partial) > p.text.Len() {
		p.Write(partial[p.text.Len():])
	}
}

// Flush prints whatever is left of the answer
func (p *answerPrinter) Flush() {
	p.emit()
}

func (p *answerPrinter) emit() {
	if p.done {
		return
	}
	text := p.text.String()
	p.done = strings.Contains(text, parser.Separator)
	visible := strings.TrimRight(parser.VisibleAnswer(text), " \t\r\n")
	if len(visible) > p.printed {
		fmt.Fprint(p.out, visible[p.printed:])
		p.printed = len(visible)
	}
}
