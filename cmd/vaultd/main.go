// Command vaultd runs the vault's receive daemon: it unlocks the vault,
// serves inbound transfers and sweeps expired recycled items until stopped.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/config"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/engine"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/keymanager"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/logger"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/platform"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultd:", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}
	log, err := logger.New(opts.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := platform.DisableCoreDumps(); err != nil {
		log.Warn("could not disable core dumps", zap.Error(err))
	}

	eng, err := engine.New(opts, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	password, err := readPassword()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := eng.Unlock(ctx, password); err != nil {
		if errors.Is(err, keymanager.ErrNotInitialized) {
			log.Info("no vault found, creating one", zap.String("dir", opts.VaultDir))
			err = eng.Initialize(ctx, password)
		}
		if err != nil {
			return err
		}
	}
	defer eng.Lock()

	transferSrv := &http.Server{
		Addr:              opts.TransferAddr,
		Handler:           eng.TransferHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	controlSrv := &http.Server{
		Addr:              opts.ControlAddr,
		Handler:           newAPI(eng, log.Named("api")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		log.Info("transfer listener up", zap.String("addr", opts.TransferAddr))
		errCh <- transferSrv.ListenAndServe()
	}()
	go func() {
		log.Info("control api up", zap.String("addr", opts.ControlAddr))
		errCh <- controlSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := transferSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return controlSrv.Shutdown(shutdownCtx)
}

// readPassword takes the vault password from VAULT_PASSWORD or prompts on
// stdin. The returned slice is wiped by the key manager after derivation.
func readPassword() ([]byte, error) {
	if p := os.Getenv("VAULT_PASSWORD"); p != "" {
		return []byte(p), nil
	}
	fmt.Fprint(os.Stderr, "vault password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
