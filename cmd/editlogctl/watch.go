package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"editlog/internal/commit"
	"editlog/internal/config"
	"editlog/internal/events"
	"editlog/internal/metrics"
	"editlog/internal/session"
	"editlog/internal/watcher"
)

// cmdWatch records edits to path until interrupted. Changes are committed
// after the configured quiet period; a draft left by an earlier crash is
// committed first.
func cmdWatch(documentID, path string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log.WithDocument(documentID)

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	var ctrl *commit.Controller
	ed, err := watcher.NewFileEditor(abs, func(text string) { ctrl.OnTextChange(text) }, a.log)
	if err != nil {
		return err
	}
	ctrl, err = a.newController(a.engine.WithMetadata(filepath.Dir(abs), abs), documentID)
	if err != nil {
		ed.Stop()
		return err
	}
	defer ctrl.Close()

	s, err := session.New(session.Config{
		History:    a.engine,
		Controller: ctrl,
		Editor:     ed,
		Logger:     a.log,
	})
	if err != nil {
		ed.Stop()
		return err
	}

	if rec, err := ctrl.Recover(ctx); err != nil {
		log.Warn("draft recovery failed", "error", err)
	} else if rec != nil {
		fmt.Printf("Recovered unsaved draft as edit %d\n", rec.EditID)
	}

	if err := ed.Start(); err != nil {
		return err
	}
	defer ed.Stop()

	if hash, size, err := watcher.HashFile(abs); err == nil {
		log.Info("watching", "path", abs, "size", size, "sha256", hex.EncodeToString(hash[:8]))
	} else {
		log.Info("watching", "path", abs, "exists", false)
	}

	// Record the file as it is now, if it differs from the head.
	if _, err := ctrl.CommitNow(ctx, ed.Text()); err != nil {
		log.Warn("initial commit failed", "error", err)
	}
	if head, err := s.Head(ctx); err == nil && head != nil {
		fmt.Printf("Watching %s as %s (head edit %d)\n", abs, documentID, head.EditID)
	} else {
		fmt.Printf("Watching %s as %s\n", abs, documentID)
	}

	a.loader.OnChange(func(cfg *config.Config) {
		ctrl.SetQuietPeriod(cfg.QuietPeriod())
		log.Info("config reloaded", "quiet_period", cfg.QuietPeriod())
	})
	if err := a.loader.Watch(); err != nil {
		log.Debug("config hot reload unavailable", "error", err)
	}

	checker := a.healthChecker()
	checker.SetReady(true)
	if a.cfg.Metrics.Enabled {
		route := metrics.Route{Pattern: "/healthz", Handler: checker.Handler()}
		go func() {
			if err := a.metrics.Registry().Serve(ctx, a.cfg.Metrics.ListenAddr, route); err != nil {
				log.Error("metrics endpoint", "error", err)
			}
		}()
	}

	sub := a.engine.Events().Subscribe(0, events.KindEditCommitted)
	defer sub.Unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if ev.DocumentID == documentID && ev.Record != nil {
				fmt.Printf("Recorded edit %d (%d byte patch)\n", ev.EditID, len(ev.Record.Patch))
			}
		case err := <-ctrl.Errors():
			log.Error("commit failed", "error", err)
		case err := <-ed.Errors():
			log.Warn("file watcher", "error", err)
		case err := <-a.loader.Errors():
			log.Warn("config reload rejected", "error", err)
		case <-sigChan:
			checker.SetReady(false)
			fmt.Println("\nShutting down...")
			flushCtx, flushCancel := context.WithTimeout(context.Background(), a.cfg.CommitTimeout())
			_, err := ctrl.Flush(flushCtx)
			flushCancel()
			if err != nil {
				log.Error("final commit failed", "error", err)
			}
			return nil
		}
	}
}
