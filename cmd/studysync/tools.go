package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/oss-study-sync/internal/config"
	"github.com/chmdznr/oss-study-sync/internal/identity"
	"github.com/chmdznr/oss-study-sync/internal/sync"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

// fingerprintFiles prints one "<identity>  <path>" line per argument. The
// configuration file is optional here; its identity settings are used when
// it loads.
func fingerprintFiles(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("no files given: %w", errors.ErrInvalidArgument)
	}
	opts := identity.DefaultFingerprintOptions()
	alg := identity.DefaultAlgorithm
	if cfg, err := config.Load(c.String("config")); err == nil {
		opts = cfg.FingerprintOptions()
		alg = cfg.HashAlgorithm()
	} else {
		log.WithError(err).Debug("Using default identity settings")
	}
	if name := c.String("algorithm"); name != "" {
		parsed, err := identity.ParseAlgorithm(name)
		if err != nil {
			return err
		}
		alg = parsed
		opts.Algorithm = parsed
	}

	fs := afero.NewOsFs()
	for _, path := range c.Args().Slice() {
		var (
			id  string
			err error
		)
		if c.Bool("full") {
			id, err = identity.HashFile(fs, path, alg)
		} else {
			id, err = identity.Fingerprint(fs, path, opts)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", id, path)
	}
	return nil
}

// importCSV records files captured outside a source pull. The CSV must have
// a header row with a "path" column; relative paths resolve against
// data_root. Rows whose file no longer exists are counted and skipped.
func importCSV(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	file, err := os.Open(c.String("csv"))
	if err != nil {
		return fmt.Errorf("error opening CSV file: %w", err)
	}
	defer file.Close()

	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	imp := &importer{
		fs:        afero.NewOsFs(),
		ledger:    ledger,
		root:      cfg.DataRoot,
		alg:       cfg.HashAlgorithm(),
		batchSize: c.Int("batch"),
	}
	if err := imp.run(c.Context, file); err != nil {
		return err
	}

	fmt.Printf("\nImport Summary:\n")
	fmt.Printf("- Successfully processed: %d files\n", imp.processed)
	fmt.Printf("- Missing files: %d\n", imp.missing)
	return nil
}

type importer struct {
	fs        afero.Fs
	ledger    sync.Ledger
	root      string
	alg       identity.Algorithm
	batchSize int

	processed int
	missing   int
}

func (imp *importer) run(ctx context.Context, r io.Reader) error {
	if imp.batchSize <= 0 {
		imp.batchSize = 1000
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("error reading CSV header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "path") {
			col = i
			break
		}
	}
	if col < 0 {
		return fmt.Errorf("CSV header has no path column: %w", errors.MissingFieldError{Field: "path"})
	}

	for lineNum := 2; ; lineNum++ {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading CSV line %d: %w", lineNum, err)
		}
		if len(record) <= col || strings.TrimSpace(record[col]) == "" {
			return fmt.Errorf("line %d: empty path: %w", lineNum, errors.ErrInvalidArgument)
		}
		if err := imp.record(ctx, strings.TrimSpace(record[col])); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		if (imp.processed+imp.missing)%imp.batchSize == 0 {
			log.WithFields(log.Fields{
				"processed": imp.processed,
				"missing":   imp.missing,
			}).Info("Import progress")
		}
	}
}

func (imp *importer) record(ctx context.Context, path string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(imp.root, path)
	}
	info, err := imp.fs.Stat(path)
	if os.IsNotExist(err) {
		log.WithField("path", path).Warn("Listed file is missing")
		imp.missing++
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %w", path, errors.ErrInvalidArgument)
	}
	hash, err := identity.HashFile(imp.fs, path, imp.alg)
	if err != nil {
		return err
	}
	err = imp.ledger.RecordFile(ctx, models.File{
		Path:    path,
		Hash:    hash,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Kind:    models.KindOf(path),
	})
	if err != nil {
		return err
	}
	imp.processed++
	return nil
}
