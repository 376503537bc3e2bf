// readDB lists the wavelets stored in a wave server data directory and
// checks the version hash chain of each history. The server must not be
// running on the same directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-wave/internal/deltastore"
	"github.com/i5heu/ouroboros-wave/internal/keyValStore"
	"github.com/i5heu/ouroboros-wave/pkg/logging"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

func main() {
	dataPath := flag.String("data", "./data", "data directory of the wave server")
	wave := flag.String("wave", "", "inspect only this wave")
	verify := flag.Bool("verify", true, "recompute the version hash chain of every history")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, level)

	badgerLog := logrus.New()
	badgerLog.SetLevel(logrus.ErrorLevel)
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:  []string{filepath.Join(*dataPath, "kv")},
		Logger: badgerLog,
		Log:    logger,
	})
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	broken, err := inspect(context.Background(), deltastore.New(kv, logger), os.Stdout, model.WaveID(*wave), *verify)
	if err != nil {
		logger.Error("inspect", "error", err)
		os.Exit(1)
	}
	if broken > 0 {
		os.Exit(2)
	}
}

// inspect prints one line per wavelet and returns how many histories
// failed the check.
func inspect(
	ctx context.Context,
	store *deltastore.Store,
	out io.Writer,
	only model.WaveID,
	verify bool,
) (int, error) {
	waves := []model.WaveID{only}
	if only == "" {
		var err error
		if waves, err = store.ListWaves(ctx); err != nil {
			return 0, err
		}
	}

	var total, broken int
	for _, wave := range waves {
		ids, err := store.ListWavelets(ctx, wave)
		if err != nil {
			return broken, err
		}
		for _, id := range ids {
			name := model.NewWaveletName(wave, id)
			total++
			end, err := checkWavelet(ctx, store, name, verify)
			if err != nil {
				broken++
				fmt.Fprintf(out, "%s\tBROKEN\t%v\n", name, err)
				continue
			}
			fmt.Fprintf(out, "%s\t%s\n", name, end)
		}
	}
	fmt.Fprintf(out, "%d wavelets, %d broken\n", total, broken)
	return broken, nil
}

func checkWavelet(
	ctx context.Context,
	store *deltastore.Store,
	name model.WaveletName,
	verify bool,
) (model.HashedVersion, error) {
	access, err := store.Open(ctx, name)
	if err != nil {
		return model.HashedVersion{}, err
	}
	defer access.Close()

	end := access.EndVersion()
	if !verify {
		return end, nil
	}
	records, err := access.Range(ctx, 0, end.Version)
	if err != nil {
		return end, err
	}
	zero := model.ZeroHashedVersion(name)
	if err := model.CheckContiguous(zero, records); err != nil {
		return end, err
	}
	prev := zero
	for _, r := range records {
		next := model.NextHashedVersion(prev, r.AppliedDelta, len(r.Transformed.Ops))
		if !next.Equal(r.ResultingVersion()) {
			return end, fmt.Errorf("hash mismatch in delta applied at %d", r.AppliedAtVersion.Version)
		}
		prev = next
	}
	if !prev.Equal(end) {
		return end, fmt.Errorf("history ends at %s, store reports %s", prev, end)
	}
	return end, nil
}
