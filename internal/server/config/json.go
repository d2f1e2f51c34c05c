package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/flagx"
	"github.com/dmitrijs2005/busybridge/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// It uses timex.Duration for interval fields, which allows parsing both
// string values such as "5m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON configuration
// files. After unmarshalling, its fields are copied into the runtime Config
// struct which uses time.Duration.
type JsonConfig struct {
	WebhookAddr string `json:"webhook_addr"`
	PublicURL   string `json:"public_url"`
	DatabaseDSN string `json:"database_dsn"`
	LogLevel    string `json:"log_level"`

	SecretKey    string `json:"secret_key"`
	TokenSealKey string `json:"token_seal_key"`

	GoogleClientID     string `json:"google_client_id"`
	GoogleClientSecret string `json:"google_client_secret"`

	AlertWebhookURL string `json:"alert_webhook_url"`

	SyncTag                string `json:"sync_tag"`
	BusyBlockTitle         string `json:"busy_block_title"`
	PersonalBusyBlockTitle string `json:"personal_busy_block_title"`
	ManagedEventPrefix     string `json:"managed_event_prefix"`

	SyncInterval           timex.Duration `json:"sync_interval"`
	ConsistencyInterval    timex.Duration `json:"consistency_interval"`
	WebhookRenewalInterval timex.Duration `json:"webhook_renewal_interval"`
	AlertDispatchInterval  timex.Duration `json:"alert_dispatch_interval"`
	RetentionSchedule      string         `json:"retention_schedule"`
	BackupSchedule         string         `json:"backup_schedule"`

	SyncWorkers         int            `json:"sync_workers"`
	MaxConcurrentPasses int            `json:"max_concurrent_passes"`
	PassBudget          timex.Duration `json:"pass_budget"`
	LockTTL             timex.Duration `json:"lock_ttl"`

	FullSyncWindowPast   timex.Duration `json:"full_sync_window_past"`
	FullSyncWindowFuture timex.Duration `json:"full_sync_window_future"`

	EventRetentionDays        int `json:"event_retention_days"`
	RecurringSoftDeleteDays   int `json:"recurring_soft_delete_days"`
	AuditLogRetentionDays     int `json:"audit_log_retention_days"`
	DisconnectedRetentionDays int `json:"disconnected_retention_days"`

	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	BackupKeepDaily   int `json:"backup_keep_daily"`
	BackupKeepWeekly  int `json:"backup_keep_weekly"`
	BackupKeepMonthly int `json:"backup_keep_monthly"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The lookup order for the JSON file path is:
//
//	The -c or -config command-line flags.
//	If it is not set, no JSON file is loaded.
//
// If the file path is found, parseJson attempts to read and unmarshal it
// into a JsonConfig. The resulting values are copied into the target Config.
// If the file cannot be read or contains invalid JSON, the function panics.
//
// A JSON file is a complete configuration: every field is copied, so partial
// files reset the remaining fields to their zero values.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.WebhookAddr = c.WebhookAddr
	config.PublicURL = c.PublicURL
	config.DatabaseDSN = c.DatabaseDSN
	config.LogLevel = c.LogLevel
	config.SecretKey = c.SecretKey
	config.TokenSealKey = c.TokenSealKey
	config.GoogleClientID = c.GoogleClientID
	config.GoogleClientSecret = c.GoogleClientSecret
	config.AlertWebhookURL = c.AlertWebhookURL
	config.SyncTag = c.SyncTag
	config.BusyBlockTitle = c.BusyBlockTitle
	config.PersonalBusyBlockTitle = c.PersonalBusyBlockTitle
	config.ManagedEventPrefix = c.ManagedEventPrefix
	config.SyncInterval = time.Duration(c.SyncInterval.Duration)
	config.ConsistencyInterval = time.Duration(c.ConsistencyInterval.Duration)
	config.WebhookRenewalInterval = time.Duration(c.WebhookRenewalInterval.Duration)
	config.AlertDispatchInterval = time.Duration(c.AlertDispatchInterval.Duration)
	config.RetentionSchedule = c.RetentionSchedule
	config.BackupSchedule = c.BackupSchedule
	config.SyncWorkers = c.SyncWorkers
	config.MaxConcurrentPasses = c.MaxConcurrentPasses
	config.PassBudget = time.Duration(c.PassBudget.Duration)
	config.LockTTL = time.Duration(c.LockTTL.Duration)
	config.FullSyncWindowPast = time.Duration(c.FullSyncWindowPast.Duration)
	config.FullSyncWindowFuture = time.Duration(c.FullSyncWindowFuture.Duration)
	config.EventRetentionDays = c.EventRetentionDays
	config.RecurringSoftDeleteDays = c.RecurringSoftDeleteDays
	config.AuditLogRetentionDays = c.AuditLogRetentionDays
	config.DisconnectedRetentionDays = c.DisconnectedRetentionDays
	config.S3RootUser = c.S3RootUser
	config.S3RootPassword = c.S3RootPassword
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
	config.BackupKeepDaily = c.BackupKeepDaily
	config.BackupKeepWeekly = c.BackupKeepWeekly
	config.BackupKeepMonthly = c.BackupKeepMonthly
}
