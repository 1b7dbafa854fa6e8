package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"editlog/internal/config"
	"editlog/internal/export"
	"editlog/internal/journal"
	"editlog/internal/security"
	"editlog/internal/session"
	"editlog/internal/store"
	"editlog/internal/watcher"
)

func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func parseEditID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid edit id %q", s)
	}
	return id, nil
}

func cmdSave(documentID, path string) error {
	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	text, err := readInput(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	filePath := ""
	if path != "-" {
		filePath, _ = filepath.Abs(path)
	}
	ctrl, err := a.newController(a.engine.WithMetadata("", filePath), documentID)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	rec, err := ctrl.CommitNow(ctx, text)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Println("No changes to record.")
		return nil
	}
	fmt.Printf("Recorded edit %d (%d byte patch, checksum %08x)\n", rec.EditID, len(rec.Patch), rec.ContentChecksum)
	return nil
}

func cmdLog(documentID string) error {
	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.engine.GetEdits(ctx, documentID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No edits recorded for %s.\n", documentID)
		return nil
	}

	fmt.Printf("=== History of %s ===\n", documentID)
	fmt.Printf("%-8s %-8s %-20s %-10s %-8s %s\n", "Edit", "Parent", "Time", "Checksum", "Patch", "Preview")
	fmt.Println(strings.Repeat("-", 68))
	for i, r := range records {
		parent := "-"
		if r.ParentEditID != nil {
			parent = strconv.FormatInt(*r.ParentEditID, 10)
		}
		marker := " "
		if i == 0 {
			marker = "*"
		}
		preview := ""
		if len(r.Preview) > 0 {
			preview = formatBytes(int64(len(r.Preview)))
		}
		ts := time.Unix(0, r.TimestampNs).Format("2006-01-02 15:04:05")
		fmt.Printf("%s%-7d %-8s %-20s %08x   %-8s %s\n",
			marker, r.EditID, parent, ts, r.ContentChecksum, formatBytes(int64(len(r.Patch))), preview)
	}
	return nil
}

func cmdShow(arg string) error {
	editID, err := parseEditID(arg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	text, err := a.engine.Reconstruct(ctx, editID)
	if err != nil {
		return err
	}
	_, err = io.WriteString(os.Stdout, text)
	return err
}

func cmdVerify(documentID string) error {
	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.engine.VerifyDocument(ctx, documentID)
	if err != nil {
		return err
	}

	fmt.Println("=== Verification Result ===")
	fmt.Printf("Document:  %s\n", report.DocumentID)
	fmt.Printf("Edits:     %d\n", report.Depth)
	fmt.Printf("Verified:  %d\n", report.Verified)
	if report.OK() {
		fmt.Println("\n✓ Verification PASSED")
		return nil
	}

	fmt.Println("\n✗ Verification FAILED")
	for _, p := range report.Problems {
		fmt.Printf("  - %s\n", p)
	}
	return errors.New("history integrity check failed")
}

func cmdClear(documentID string) error {
	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctrl, err := a.newController(a.engine, documentID)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	var removed int64
	err = ctrl.Transaction(ctx, func(ctx context.Context) error {
		n, err := a.engine.ClearAllEdits(ctx, documentID)
		if err != nil {
			return err
		}
		ctrl.MarkCleared()
		removed = n
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d edits of %s.\n", removed, documentID)
	return nil
}

// openSession wires a session whose editor is path. The editor is not
// watched, so writes to the file do not produce commits.
func openSession(a *app, documentID, path string) (*session.Session, func(), error) {
	ed, err := watcher.NewFileEditor(path, nil, a.log)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := a.newController(a.engine, documentID)
	if err != nil {
		ed.Stop()
		return nil, nil, err
	}
	s, err := session.New(session.Config{
		History:    a.engine,
		Controller: ctrl,
		Editor:     ed,
		Logger:     a.log,
	})
	if err != nil {
		ctrl.Close()
		ed.Stop()
		return nil, nil, err
	}
	return s, func() {
		ctrl.Close()
		ed.Stop()
	}, nil
}

func cmdRestore(documentID, arg, path string) error {
	editID, err := parseEditID(arg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	s, done, err := openSession(a, documentID, path)
	if err != nil {
		return err
	}
	defer done()

	if err := s.Restore(ctx, editID); err != nil {
		return err
	}
	fmt.Printf("Wrote edit %d to %s. Save it to record it as a new edit.\n", editID, path)
	return nil
}

func cmdRebase(documentID, arg, path string) error {
	editID, err := parseEditID(arg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	s, done, err := openSession(a, documentID, path)
	if err != nil {
		return err
	}
	defer done()

	marker, err := s.Rebase(ctx, editID)
	if err != nil {
		return err
	}
	fmt.Printf("Rebased %s onto edit %d (new head %d).\n", documentID, editID, marker.EditID)
	return nil
}

func cmdExport(documentID, output string) error {
	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	doc, err := export.Build(ctx, a.engine, documentID, export.Options{IncludeText: true, Verify: true})
	if err != nil {
		return err
	}

	if output == "" {
		return doc.Write(os.Stdout)
	}
	if err := export.WriteFile(output, doc); err != nil {
		return err
	}
	fmt.Printf("Exported %d edits of %s to %s\n", doc.EditCount, documentID, output)
	if doc.Integrity != nil && !doc.Integrity.OK {
		fmt.Printf("Warning: %d integrity problems recorded in the export\n", len(doc.Integrity.Problems))
	}
	return nil
}

func cmdStatus() error {
	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	fmt.Println("=== editlog Status ===")
	fmt.Println()
	fmt.Printf("Config:     %s\n", a.loader.Path())
	fmt.Printf("Backend:    %s\n", cfg.Storage.Backend)
	fmt.Printf("Integrity:  %s\n", cfg.History.IntegrityMode)
	fmt.Printf("Quiet:      %v\n", cfg.QuietPeriod())
	fmt.Println()

	fmt.Println("Database:")
	if sq, ok := a.store.(*store.SQLiteStore); ok {
		fmt.Printf("  Path: %s\n", sq.Path())
		if info, err := os.Stat(sq.Path()); err == nil {
			fmt.Printf("  Size: %s\n", formatBytes(info.Size()))
		}
		if v, err := store.SchemaVersion(ctx, sq.DB()); err == nil {
			fmt.Printf("  Schema version: %d (latest %d)\n", v, store.LatestSchemaVersion())
		}
	}
	if in, ok := a.store.(store.Inspector); ok {
		st, err := in.Stats(ctx)
		if err != nil {
			fmt.Printf("  Error reading stats: %v\n", err)
		} else {
			fmt.Printf("  Edits: %d\n", st.Records)
			fmt.Printf("  Documents: %d\n", st.Documents)
		}
	}
	fmt.Println()

	fmt.Println("Writer:")
	if cfg.Storage.Backend == "sqlite" {
		lock, err := security.AcquireLock(cfg.LockPath())
		switch {
		case errors.Is(err, security.ErrLocked):
			fmt.Printf("  ACTIVE (%v)\n", err)
		case err != nil:
			fmt.Printf("  Unknown: %v\n", err)
		default:
			lock.Release()
			fmt.Println("  idle")
		}
	} else {
		fmt.Println("  (memory backend)")
	}
	fmt.Println()

	fmt.Println("Draft Journal:")
	printJournalStatus(cfg)
	fmt.Println()

	fmt.Println("Health:")
	checker := a.healthChecker()
	results := checker.Check(ctx)
	for _, name := range checker.Names() {
		r := results[name]
		fmt.Printf("  %-9s %-9s %s\n", name, r.Status, r.Message)
	}
	fmt.Printf("  Overall: %s\n", checker.OverallStatus())
	return nil
}

func printJournalStatus(cfg *config.Config) {
	if !cfg.Commit.Journal {
		fmt.Println("  disabled")
		return
	}
	path := cfg.JournalPath()
	if _, err := os.Stat(path); err != nil {
		fmt.Println("  No journal found")
		return
	}
	master, err := security.LoadKey(cfg.KeyPath())
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("  No journal key found")
		return
	}
	if err != nil {
		fmt.Printf("  Error loading key: %v\n", err)
		return
	}
	key, err := security.DeriveKeyWithLabel(master, "journal", security.KeySize)
	security.Wipe(master)
	if err != nil {
		fmt.Printf("  Error deriving key: %v\n", err)
		return
	}
	// The writer may be appending; never cut its tail.
	j, err := journal.OpenReadOnly(path, key)
	security.Wipe(key)
	if err != nil {
		fmt.Printf("  Error opening journal: %v\n", err)
		return
	}
	defer j.Close()

	id := j.ID()
	fmt.Printf("  ID: %s...\n", hex.EncodeToString(id[:8]))
	fmt.Printf("  Entries: %d\n", j.EntryCount())
	fmt.Printf("  Size: %s\n", formatBytes(j.Size()))
	if entries, err := j.ReadAll(); err != nil {
		fmt.Printf("  Integrity: FAILED (%v)\n", err)
	} else {
		docs := map[string]bool{}
		for _, e := range entries {
			if r, err := e.Record(); err == nil {
				docs[r.DocumentID] = true
			}
		}
		pending := 0
		for doc := range docs {
			if _, _, ok := journal.PendingDraft(entries, doc); ok {
				pending++
			}
		}
		fmt.Printf("  Pending drafts: %d\n", pending)
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
