package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/dimitrije/nikode-collab/internal/bootstrap"
	"github.com/dimitrije/nikode-collab/internal/config"
	"github.com/dimitrije/nikode-collab/internal/filesync"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

const usage = `Usage: collab-files <command> [flags]

Commands:
  list    --group <id>                          list files in a group
  show    --file <id>                           print a file and its content
  create  --group <id> --name <n> --path <p>    create a file (content from --content or stdin)
  rename  --file <id> --name <n> --path <p>     rename or move a file
  delete  --file <id>                           delete a file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := cfg.NewLogger()
	ctx := context.Background()

	store, closeStore, err := bootstrap.NewStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open file store: %v", err)
	}
	defer closeStore()

	// Changes made here reach live sessions through the shared transport.
	bus, closeBus, err := bootstrap.NewTransport(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start %s transport: %v", cfg.Transport, err)
	}
	defer closeBus()

	files := filesync.NewService(store, bus, filesync.Options{Logger: logger})

	if err := run(ctx, files, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		closeBus()
		closeStore()
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, files *filesync.Service, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}

	cmd, args := args[0], args[1:]
	flags := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	flags.SetOutput(io.Discard)

	group := flags.String("group", "", "group id")
	file := flags.String("file", "", "file id")
	name := flags.String("name", "", "file name")
	path := flags.String("path", "", "file path")
	content := flags.String("content", "", "file content; read from stdin when omitted")
	language := flags.String("language", "", "language id; detected from the name when omitted")

	if err := flags.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "list":
		groupID, err := parseID("group", *group)
		if err != nil {
			return err
		}
		list, err := files.List(ctx, groupID)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPATH\tLANGUAGE\tVERSION\tUPDATED")
		for _, f := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", f.ID, f.Path, f.Language, f.Version, f.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()

	case "show":
		fileID, err := parseID("file", *file)
		if err != nil {
			return err
		}
		f, err := files.Get(ctx, fileID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%s) v%d\n\n%s\n", f.Path, f.Language, f.Version, f.Content)
		return nil

	case "create":
		groupID, err := parseID("group", *group)
		if err != nil {
			return err
		}
		body := *content
		if !flags.Changed("content") {
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}
			body = string(data)
		}
		f, err := files.Create(ctx, filesync.CreateParams{
			GroupID:  groupID,
			Name:     *name,
			Path:     *path,
			Language: *language,
			Content:  body,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Created %s as %s\n", f.Path, f.ID)
		return nil

	case "rename":
		fileID, err := parseID("file", *file)
		if err != nil {
			return err
		}
		f, err := files.Rename(ctx, fileID, *name, *path, uuid.Nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Renamed %s to %s (v%d)\n", f.ID, f.Path, f.Version)
		return nil

	case "delete":
		fileID, err := parseID("file", *file)
		if err != nil {
			return err
		}
		if err := files.Delete(ctx, fileID, uuid.Nil); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %s\n", fileID)
		return nil

	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func parseID(flag, value string) (uuid.UUID, error) {
	if value == "" {
		return uuid.Nil, fmt.Errorf("--%s is required", flag)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s: %w", flag, err)
	}
	return id, nil
}
