package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"qrloyalty/native/loyalty"
	"qrloyalty/services/qr-loyalty/config"
	"qrloyalty/services/qr-loyalty/ledger"
	"qrloyalty/services/qr-loyalty/models"
	"qrloyalty/services/qr-loyalty/storage"
)

const (
	migrateCommand     = "migrate"
	checkConfigCommand = "check-config"
	seedTiersCommand   = "seed-tiers"
	merchantCommand    = "register-merchant"
	defaultTokenEnv    = "QRL_MERCHANT_TOKEN"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case migrateCommand:
		err = runMigrate(os.Args[2:])
	case checkConfigCommand:
		err = runCheckConfig(os.Args[2:], os.Stdout)
	case seedTiersCommand:
		err = runSeedTiers(os.Args[2:], os.Stdout)
	case merchantCommand:
		err = runRegisterMerchant(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: qrloyaltyctl <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-18s apply database migrations\n", migrateCommand)
	fmt.Fprintf(w, "  %-18s load and validate the service configuration\n", checkConfigCommand)
	fmt.Fprintf(w, "  %-18s replace a merchant's tier table\n", seedTiersCommand)
	fmt.Fprintf(w, "  %-18s create or update a merchant and its platform credentials\n", merchantCommand)
}

func openDB(configPath string) (*gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return storage.Open(ctx, cfg.Database)
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet(migrateCommand, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("QRL_CONFIG"), "Path to the service config file")
	_ = fs.Parse(args)

	db, err := openDB(*configPath)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}

func runCheckConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(checkConfigCommand, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("QRL_CONFIG"), "Path to the service config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "listen=%s driver=%s redis=%t kafka=%t auth=%t tracing=%t\n",
		cfg.ListenAddress,
		cfg.Database.Driver,
		cfg.Redis.Addr != "",
		len(cfg.Analytics.KafkaBrokers) > 0,
		cfg.Auth.Enabled,
		cfg.Observability.Tracing)
	return nil
}

type tierFile struct {
	Tiers []loyalty.Threshold `yaml:"tiers"`
}

// loadTiers reads a YAML tier table, or returns the default table when path
// is empty.
func loadTiers(path string) ([]loyalty.Threshold, error) {
	if strings.TrimSpace(path) == "" {
		return loyalty.DefaultThresholds(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers: %w", err)
	}
	var file tierFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode tiers: %w", err)
	}
	return file.Tiers, nil
}

func runSeedTiers(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(seedTiersCommand, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("QRL_CONFIG"), "Path to the service config file")
	merchant := fs.String("merchant", "", "Merchant id")
	file := fs.String("file", "", "YAML file with a tiers list; defaults to Bronze/Silver/Gold/Platinum")
	_ = fs.Parse(args)

	if strings.TrimSpace(*merchant) == "" {
		return fmt.Errorf("-merchant is required")
	}
	tiers, err := loadTiers(*file)
	if err != nil {
		return err
	}
	db, err := openDB(*configPath)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	return seedTiers(context.Background(), db, *merchant, tiers, out)
}

func seedTiers(ctx context.Context, db *gorm.DB, merchantID string, tiers []loyalty.Threshold, out io.Writer) error {
	stored, err := ledger.NewTierStore(db, nil).Replace(ctx, merchantID, tiers)
	if err != nil {
		return err
	}
	for _, t := range stored {
		fmt.Fprintf(out, "%-12s %d\n", t.Name, t.MinPoints)
	}
	return nil
}

func runRegisterMerchant(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(merchantCommand, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("QRL_CONFIG"), "Path to the service config file")
	id := fs.String("id", "", "Merchant id")
	name := fs.String("name", "", "Display name")
	shop := fs.String("shop", "", "Commerce platform shop domain")
	storefront := fs.String("storefront", "", "Public storefront URL used for redirects")
	tokenEnv := fs.String("token-env", defaultTokenEnv, "Environment variable containing the platform access token")
	_ = fs.Parse(args)

	merchant := models.Merchant{
		ID:            strings.TrimSpace(*id),
		Name:          strings.TrimSpace(*name),
		ShopDomain:    strings.ToLower(strings.TrimSpace(*shop)),
		StorefrontURL: strings.TrimRight(strings.TrimSpace(*storefront), "/"),
		AccessToken:   strings.TrimSpace(os.Getenv(*tokenEnv)),
	}
	if merchant.ID == "" {
		return fmt.Errorf("-id is required")
	}
	db, err := openDB(*configPath)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	return registerMerchant(context.Background(), db, merchant, out)
}

// registerMerchant upserts the merchant. An empty access token keeps the
// stored one.
func registerMerchant(ctx context.Context, db *gorm.DB, merchant models.Merchant, out io.Writer) error {
	now := time.Now().UTC()
	merchant.CreatedAt, merchant.UpdatedAt = now, now
	updates := []string{"name", "shop_domain", "storefront_url", "updated_at"}
	if merchant.AccessToken != "" {
		updates = append(updates, "access_token")
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&merchant).Error
	if err != nil {
		return fmt.Errorf("register merchant: %w", err)
	}
	fmt.Fprintf(out, "merchant %s registered (credentials: %t)\n", merchant.ID, merchant.AccessToken != "")
	return nil
}
