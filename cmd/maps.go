package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/thoughtmap/internal/session"
)

// MapsCommand returns the command for inspecting stored maps
func MapsCommand() *cli.Command {
	return &cli.Command{
		Name:  "maps",
		Usage: "Inspect stored maps",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List maps, most recently updated first",
				Action: runMapsList,
			},
			{
				Name:      "show",
				Usage:     "Print the visible tree of a map",
				ArgsUsage: "MAP_ID",
				Action:    runMapsShow,
			},
			{
				Name:      "rename",
				Usage:     "Change the title of a map",
				ArgsUsage: "MAP_ID TITLE",
				Action:    runMapsRename,
			},
			{
				Name:      "delete",
				Usage:     "Delete a map with everything in it",
				ArgsUsage: "MAP_ID",
				Action:    runMapsDelete,
			},
		},
	}
}

func runMapsList(c *cli.Context) error {
	rt, err := runtimeFor(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	maps, err := rt.manager.ListMaps(c.Context)
	if err != nil {
		return err
	}
	if len(maps) == 0 {
		fmt.Println("No maps")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tQUESTIONS\tNODES\tUPDATED")
	for _, m := range maps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", m.ID, m.Title, m.QACount, m.NodeCount, m.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runMapsShow(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("a map id is required", 1)
	}
	rt, err := runtimeFor(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess, err := rt.manager.Session(c.Context, id)
	if err != nil {
		return err
	}
	printTree(os.Stdout, sess.View())
	return nil
}

func runMapsRename(c *cli.Context) error {
	id := c.Args().First()
	title := strings.Join(c.Args().Tail(), " ")
	if id == "" || strings.TrimSpace(title) == "" {
		return cli.Exit("a map id and a title are required", 1)
	}
	rt, err := runtimeFor(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	renamed, err := rt.manager.RenameMap(c.Context, id, title)
	if err != nil {
		return err
	}
	fmt.Printf("Renamed map %s to %q\n", renamed.ID, renamed.Title)
	return nil
}

func runMapsDelete(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("a map id is required", 1)
	}
	rt, err := runtimeFor(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.manager.DeleteMap(c.Context, id); err != nil {
		return err
	}
	fmt.Printf("Deleted map %s\n", id)
	return nil
}

func runtimeFor(c *cli.Context) (*runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return newRuntime(c.Context, cfg)
}

// printTree writes the placements of a view indented by depth, with pending
// suggestions below their node
func printTree(out io.Writer, view session.View) {
	fmt.Fprintf(out, "%s (%s)\n", view.Map.Title, view.Map.ID)

	pending := make(map[string][]string)
	for _, p := range view.PotentialNodes {
		if !p.Used {
			pending[p.ParentNodeID] = append(pending[p.ParentNodeID], p.Question)
		}
	}

	for _, p := range view.Nodes {
		indent := strings.Repeat("  ", p.Depth+1)
		question := "(empty)"
		if qa, ok := p.Node.PrimaryQA(); ok {
			question = qa.Question
		}
		marker := "-"
		if p.Collapsed {
			marker = "+"
		}
		extra := ""
		if n := len(p.Node.QAs); n > 1 {
			extra = fmt.Sprintf(" [%d questions]", n)
		}
		fmt.Fprintf(out, "%s%s %s%s  <%s>\n", indent, marker, question, extra, p.NodeID)
		for _, q := range pending[p.NodeID] {
			fmt.Fprintf(out, "%s    ? %s\n", indent, q)
		}
	}
}
