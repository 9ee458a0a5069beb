// Package config binds CLI flags and environment variables for the pstcorpus
// commands. Credentials never appear on the command line by requirement;
// database and object-store settings fall back to PSTCORPUS_* environment
// variables, optionally loaded from a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Environment variable names recognized as flag fallbacks.
const (
	EnvDBDriver    = "PSTCORPUS_DB_DRIVER"
	EnvDBDSN       = "PSTCORPUS_DB_DSN"
	EnvMongoURI    = "PSTCORPUS_MONGO_URI"
	EnvMongoDB     = "PSTCORPUS_MONGO_DB"
	EnvMongoBucket = "PSTCORPUS_MONGO_BUCKET"
)

// Common holds the options shared by every subcommand.
type Common struct {
	CaseID   string
	DBDriver string
	DBDSN    string
	LogLevel string
	LogDir   string
}

// Ingest configures one archive ingestion run.
type Ingest struct {
	Common
	ArchivePath string
	ScratchDir  string
	StateDir    string
	MongoURI    string
	MongoDB     string
	MongoBucket string
	BatchSize   int
	Workers     int
	Precount    bool
}

// Dedupe configures a deduplication run.
type Dedupe struct {
	Common
	Winner string
}

// Manifest configures export bundle generation.
type Manifest struct {
	Common
	BundleID string
	OutDir   string
}

// Stamp configures evidence pointer creation.
type Stamp struct {
	Common
	SourceType string
	SourceID   string
	Start      int
	End        int
}

// RegisterCommonFlags attaches the flags every subcommand shares. Called on
// the root command so they are inherited.
func RegisterCommonFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("case", "", "Case identifier all records are scoped to")
	flags.String("db-driver", "", "Database driver: sqlite or mysql (falls back to "+EnvDBDriver+")")
	flags.String("db-dsn", "", "Database DSN (falls back to "+EnvDBDSN+")")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")
}

// RegisterIngestFlags attaches the ingest-specific flags.
func RegisterIngestFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("archive", "", "Path to the exported archive tree to ingest")
	flags.String("scratch-dir", os.TempDir(), "Scratch volume for attachment spooling")
	flags.String("state-dir", defaultStateDir, "Directory for the persistent blob index")
	flags.String("mongo-uri", "", "MongoDB connection URI for attachment storage (falls back to "+EnvMongoURI+")")
	flags.String("mongo-db", "pstcorpus", "MongoDB database holding the attachment bucket")
	flags.String("mongo-bucket", "attachments", "GridFS bucket name for attachment blobs")
	flags.Int("batch-size", 200, "Messages per database flush")
	flags.Int("workers", 4, "Concurrent attachment uploads")
	flags.Bool("precount", false, "Count messages first for an exact progress bar (one extra archive pass)")

	return cmd.MarkFlagRequired("archive")
}

// RegisterDedupeFlags attaches the dedupe-specific flags.
func RegisterDedupeFlags(cmd *cobra.Command) {
	cmd.Flags().String("winner", "earliest", "Canonical copy election within a duplicate cluster: earliest or latest")
}

// RegisterManifestFlags attaches the manifest-specific flags.
func RegisterManifestFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("bundle", "", "Bundle identifier (generated when empty)")
	flags.String("out", ".", "Directory the manifest and hashes files are written to")
}

// RegisterStampFlags attaches the stamp-specific flags.
func RegisterStampFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("source-type", "email", "Evidence source type")
	flags.String("source", "", "Source record identifier")
	flags.Int("start", 0, "Span start, in characters of the canonical text")
	flags.Int("end", 0, "Span end, exclusive")

	if err := cmd.MarkFlagRequired("source"); err != nil {
		return err
	}
	return cmd.MarkFlagRequired("end")
}

// LoadCommon resolves the shared flags, applying environment fallbacks. A
// .env file in the working directory is honored when present.
func LoadCommon(cmd *cobra.Command) (Common, error) {
	_ = godotenv.Load()

	flags := cmd.Flags()

	caseID, err := flags.GetString("case")
	if err != nil {
		return Common{}, err
	}
	dbDriver, err := flags.GetString("db-driver")
	if err != nil {
		return Common{}, err
	}
	dbDSN, err := flags.GetString("db-dsn")
	if err != nil {
		return Common{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Common{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Common{}, err
	}

	if dbDriver == "" {
		dbDriver = os.Getenv(EnvDBDriver)
	}
	if dbDriver == "" {
		dbDriver = "sqlite"
	}
	if dbDSN == "" {
		dbDSN = os.Getenv(EnvDBDSN)
	}
	if dbDSN == "" && dbDriver == "sqlite" {
		dbDSN = "pstcorpus.db"
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Common{
		CaseID:   caseID,
		DBDriver: dbDriver,
		DBDSN:    dbDSN,
		LogLevel: logLevel,
		LogDir:   logDir,
	}
	return cfg, validateCommon(cfg)
}

// LoadIngest resolves the full ingest configuration.
func LoadIngest(cmd *cobra.Command) (Ingest, error) {
	common, err := LoadCommon(cmd)
	if err != nil {
		return Ingest{}, err
	}

	flags := cmd.Flags()

	archivePath, err := flags.GetString("archive")
	if err != nil {
		return Ingest{}, err
	}
	scratchDir, err := flags.GetString("scratch-dir")
	if err != nil {
		return Ingest{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Ingest{}, err
	}
	mongoURI, err := flags.GetString("mongo-uri")
	if err != nil {
		return Ingest{}, err
	}
	mongoDB, err := flags.GetString("mongo-db")
	if err != nil {
		return Ingest{}, err
	}
	mongoBucket, err := flags.GetString("mongo-bucket")
	if err != nil {
		return Ingest{}, err
	}
	batchSize, err := flags.GetInt("batch-size")
	if err != nil {
		return Ingest{}, err
	}
	workers, err := flags.GetInt("workers")
	if err != nil {
		return Ingest{}, err
	}
	precount, err := flags.GetBool("precount")
	if err != nil {
		return Ingest{}, err
	}

	if mongoURI == "" {
		mongoURI = os.Getenv(EnvMongoURI)
	}
	if v := os.Getenv(EnvMongoDB); mongoDB == "pstcorpus" && v != "" {
		mongoDB = v
	}
	if v := os.Getenv(EnvMongoBucket); mongoBucket == "attachments" && v != "" {
		mongoBucket = v
	}
	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Ingest{}, err
		}
	}

	cfg := Ingest{
		Common:      common,
		ArchivePath: filepath.Clean(archivePath),
		ScratchDir:  filepath.Clean(scratchDir),
		StateDir:    filepath.Clean(stateDir),
		MongoURI:    mongoURI,
		MongoDB:     mongoDB,
		MongoBucket: mongoBucket,
		BatchSize:   batchSize,
		Workers:     workers,
		Precount:    precount,
	}
	return cfg, validateIngest(cfg)
}

// LoadDedupe resolves the dedupe configuration.
func LoadDedupe(cmd *cobra.Command) (Dedupe, error) {
	common, err := LoadCommon(cmd)
	if err != nil {
		return Dedupe{}, err
	}

	winner, err := cmd.Flags().GetString("winner")
	if err != nil {
		return Dedupe{}, err
	}

	cfg := Dedupe{Common: common, Winner: strings.ToLower(winner)}
	if cfg.CaseID == "" {
		return Dedupe{}, fmt.Errorf("--case is required")
	}
	switch cfg.Winner {
	case "earliest", "latest":
	default:
		return Dedupe{}, fmt.Errorf("invalid --winner: %s", cfg.Winner)
	}
	return cfg, nil
}

// LoadManifest resolves the manifest configuration.
func LoadManifest(cmd *cobra.Command) (Manifest, error) {
	common, err := LoadCommon(cmd)
	if err != nil {
		return Manifest{}, err
	}

	flags := cmd.Flags()
	bundleID, err := flags.GetString("bundle")
	if err != nil {
		return Manifest{}, err
	}
	outDir, err := flags.GetString("out")
	if err != nil {
		return Manifest{}, err
	}

	cfg := Manifest{Common: common, BundleID: bundleID, OutDir: filepath.Clean(outDir)}
	if cfg.CaseID == "" {
		return Manifest{}, fmt.Errorf("--case is required")
	}
	return cfg, nil
}

// LoadStamp resolves the stamp configuration.
func LoadStamp(cmd *cobra.Command) (Stamp, error) {
	common, err := LoadCommon(cmd)
	if err != nil {
		return Stamp{}, err
	}

	flags := cmd.Flags()
	sourceType, err := flags.GetString("source-type")
	if err != nil {
		return Stamp{}, err
	}
	sourceID, err := flags.GetString("source")
	if err != nil {
		return Stamp{}, err
	}
	start, err := flags.GetInt("start")
	if err != nil {
		return Stamp{}, err
	}
	end, err := flags.GetInt("end")
	if err != nil {
		return Stamp{}, err
	}

	cfg := Stamp{Common: common, SourceType: sourceType, SourceID: sourceID, Start: start, End: end}
	if cfg.CaseID == "" {
		return Stamp{}, fmt.Errorf("--case is required")
	}
	if cfg.Start < 0 || cfg.End <= cfg.Start {
		return Stamp{}, fmt.Errorf("invalid span: start %d, end %d", cfg.Start, cfg.End)
	}
	return cfg, nil
}

func validateCommon(cfg Common) error {
	switch cfg.DBDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("invalid --db-driver: %s", cfg.DBDriver)
	}
	if cfg.DBDSN == "" {
		return fmt.Errorf("database DSN must be provided via --db-dsn or %s", EnvDBDSN)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	return nil
}

func validateIngest(cfg Ingest) error {
	if cfg.CaseID == "" {
		return fmt.Errorf("--case is required")
	}
	if cfg.ArchivePath == "" {
		return fmt.Errorf("--archive is required")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pstcorpus", "state"), nil
}
