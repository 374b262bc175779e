package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	notesFileFlag = &cli.StringFlag{
		Name:  "notes",
		Usage: "JSON file with the initial notes, - for stdin",
	}
	deltaFileFlag = &cli.StringFlag{
		Name:  "delta",
		Usage: "JSON file with one block delta, - for stdin",
	}
	toHeightFlag = &cli.Uint64Flag{
		Name:  "to",
		Usage: "Apply spooled deltas up to this height",
	}
	outFileFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "Output file, stdout when empty",
	}
	inFileFlag = &cli.StringFlag{
		Name:     "in",
		Usage:    "Snapshot file, - for stdin",
		Required: true,
	}
)

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "start a new PCD chain over the given notes",
	Flags: []cli.Flag{notesFileFlag},
	Action: func(ctx *cli.Context) error {
		var notes []pcd.NoteIdentifier
		if path := ctx.String(notesFileFlag.Name); path != "" {
			if err := readJSON(path, &notes); err != nil {
				return fmt.Errorf("read notes: %w", err)
			}
		}

		n, err := newNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if n.machine().IsInitialized() {
			log.WithField("height", n.machine().Height()).Warn("Replacing existing PCD chain")
		}
		if err := n.coord.Initialize(ctx.Context, notes); err != nil {
			return err
		}
		return printJSON(statusOf(n.machine()))
	},
}

var applyCommand = &cli.Command{
	Name:  "apply",
	Usage: "apply one block delta, or every spooled delta up to --to",
	Flags: []cli.Flag{deltaFileFlag, toHeightFlag},
	Action: func(ctx *cli.Context) error {
		n, err := newNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if path := ctx.String(deltaFileFlag.Name); path != "" {
			var d pcd.BlockDelta
			if err := readJSON(path, &d); err != nil {
				return fmt.Errorf("read delta: %w", err)
			}
			if err := n.coord.ApplyDelta(ctx.Context, d); err != nil {
				return err
			}
			return printJSON(statusOf(n.machine()))
		}

		if !ctx.IsSet(toHeightFlag.Name) {
			return fmt.Errorf("one of --%s or --%s is required", deltaFileFlag.Name, toHeightFlag.Name)
		}
		applied, err := n.coord.CatchUp(ctx.Context, ctx.Uint64(toHeightFlag.Name))
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"applied": applied,
			"height":  n.machine().Height(),
		}).Info("Applied spooled deltas")
		return printJSON(statusOf(n.machine()))
	},
}

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "verify the current proof with the proof service",
	Action: func(ctx *cli.Context) error {
		n, err := newNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		valid, err := n.coord.Verify(ctx.Context)
		if err != nil {
			return err
		}
		if err := printJSON(map[string]bool{"valid": valid}); err != nil {
			return err
		}
		if !valid {
			return cli.Exit("", 2)
		}
		return nil
	},
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "write the persisted state as a JSON snapshot",
	Flags: []cli.Flag{outFileFlag},
	Action: func(ctx *cli.Context) error {
		n, err := newNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		data, err := n.machine().ExportSnapshot()
		if err != nil {
			return err
		}
		path := ctx.String(outFileFlag.Name)
		if path == "" {
			_, err := fmt.Fprintln(os.Stdout, string(data))
			return err
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return err
		}
		log.WithField("path", path).Info("Exported PCD snapshot")
		return nil
	},
}

var importCommand = &cli.Command{
	Name:  "import",
	Usage: "replace the persisted state with a JSON snapshot",
	Flags: []cli.Flag{inFileFlag},
	Action: func(ctx *cli.Context) error {
		data, err := readFile(ctx.String(inFileFlag.Name))
		if err != nil {
			return err
		}

		n, err := newNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if err := n.coord.ImportSnapshot(ctx.Context, data); err != nil {
			return err
		}
		return printJSON(statusOf(n.machine()))
	},
}

var resetCommand = &cli.Command{
	Name:  "reset",
	Usage: "delete the persisted state",
	Action: func(ctx *cli.Context) error {
		n, err := newNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()
		return n.coord.Reset(ctx.Context)
	},
}

var showCommand = &cli.Command{
	Name:  "show",
	Usage: "print the persisted state summary",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "notes", Usage: "include the note set"},
	},
	Action: func(ctx *cli.Context) error {
		n, err := newNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		st := statusOf(n.machine())
		if ctx.Bool("notes") {
			st.NoteSet = n.machine().Notes()
		}
		return printJSON(st)
	},
}

type stateSummary struct {
	Initialized bool                 `json:"initialized"`
	Height      uint64               `json:"height"`
	ChainLength uint64               `json:"chain_length"`
	Balance     uint64               `json:"balance"`
	Notes       int                  `json:"notes"`
	Nullifiers  int                  `json:"nullifiers"`
	SCurrent    string               `json:"s_current,omitempty"`
	SGenesis    string               `json:"s_genesis,omitempty"`
	UpdatedAt   string               `json:"updated_at,omitempty"`
	NoteSet     []pcd.NoteIdentifier `json:"note_set,omitempty"`
}

func statusOf(m *pcd.Machine) *stateSummary {
	st := &stateSummary{
		Initialized: m.IsInitialized(),
		Height:      m.Height(),
		ChainLength: m.ChainLength(),
		Balance:     m.Balance(),
		Notes:       len(m.Notes()),
		Nullifiers:  len(m.Nullifiers()),
	}
	if s := m.State(); s != nil {
		st.SCurrent = s.SCurrent
		st.SGenesis = s.SGenesis
	}
	if t := m.UpdatedAt(); !t.IsZero() {
		st.UpdatedAt = t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return st
}

func readFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path) // #nosec G304
}

func readJSON(path string, v interface{}) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
