// Package config provides a reusable viper-based loader for dchatnode
// configuration files and environment variables, mirroring the teacher's
// pkg/config.Load/LoadFromEnv contract.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/chikuno/dchat/pkg/utils"
)

// Config is the unified configuration for a dchatnode process, covering the
// dual-chain state machine (DC), relay/overlay (RO), and cross-chain bridge
// (XB) cores plus ambient network/logging/storage settings.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Tokenomics struct {
		MaxSupply     uint64 `mapstructure:"max_supply" json:"max_supply"`
		InitialSupply uint64 `mapstructure:"initial_supply" json:"initial_supply"`
		InflationBps  uint64 `mapstructure:"inflation_bps" json:"inflation_bps"`
		BlocksPerYear uint64 `mapstructure:"blocks_per_year" json:"blocks_per_year"`
	} `mapstructure:"tokenomics" json:"tokenomics"`

	Sharding struct {
		NumShards     uint32   `mapstructure:"num_shards" json:"num_shards"`
		TrackedShards []uint32 `mapstructure:"tracked_shards" json:"tracked_shards"`
		LightClient   bool     `mapstructure:"light_client" json:"light_client"`
	} `mapstructure:"sharding" json:"sharding"`

	Pruning struct {
		NodeType         string        `mapstructure:"node_type" json:"node_type"` // archive|full|light
		RetentionPeriod  time.Duration `mapstructure:"retention_period" json:"retention_period"`
		PriorityChannels []string      `mapstructure:"priority_channels" json:"priority_channels"`
		RetainCacheSize  int           `mapstructure:"retain_cache_size" json:"retain_cache_size"`
	} `mapstructure:"pruning" json:"pruning"`

	Upgrade struct {
		QuorumPct         float64 `mapstructure:"quorum_pct" json:"quorum_pct"`
		HardForkThreshold float64 `mapstructure:"hard_fork_threshold" json:"hard_fork_threshold"`
	} `mapstructure:"upgrade" json:"upgrade"`

	Relay struct {
		MinStake          uint64        `mapstructure:"min_stake" json:"min_stake"`
		MinUptimeScore    float64       `mapstructure:"min_uptime_score" json:"min_uptime_score"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
		UptimeWindow      time.Duration `mapstructure:"uptime_window" json:"uptime_window"`
		PodBatchSize      int           `mapstructure:"pod_batch_size" json:"pod_batch_size"`
	} `mapstructure:"relay" json:"relay"`

	Onion struct {
		NumHops             int           `mapstructure:"num_hops" json:"num_hops"`
		RequireASNDiversity bool          `mapstructure:"require_asn_diversity" json:"require_asn_diversity"`
		CircuitMaxLifetime  time.Duration `mapstructure:"circuit_max_lifetime" json:"circuit_max_lifetime"`
		SecretCacheSize     int           `mapstructure:"secret_cache_size" json:"secret_cache_size"`
	} `mapstructure:"onion" json:"onion"`

	Gossip struct {
		SyncInterval time.Duration `mapstructure:"sync_interval" json:"sync_interval"`
		RateLimit    int           `mapstructure:"rate_limit" json:"rate_limit"`
		BloomBits    uint          `mapstructure:"bloom_bits" json:"bloom_bits"`
		BloomHashes  uint          `mapstructure:"bloom_hashes" json:"bloom_hashes"`
	} `mapstructure:"gossip" json:"gossip"`

	Eclipse struct {
		MaxPeersPerASN        int     `mapstructure:"max_peers_per_asn" json:"max_peers_per_asn"`
		AlertThreshold        int     `mapstructure:"alert_threshold" json:"alert_threshold"`
		MaxPeersPerContinent  int     `mapstructure:"max_peers_per_continent" json:"max_peers_per_continent"`
		MinASNDiversity       int     `mapstructure:"min_asn_diversity" json:"min_asn_diversity"`
		MinContinentDiversity int     `mapstructure:"min_continent_diversity" json:"min_continent_diversity"`
		MinRelayPaths         int     `mapstructure:"min_relay_paths" json:"min_relay_paths"`
		BGPConsensusThreshold float64 `mapstructure:"bgp_consensus_threshold" json:"bgp_consensus_threshold"`
	} `mapstructure:"eclipse" json:"eclipse"`

	Bridge struct {
		RequiredConfirmationsChat     uint64 `mapstructure:"required_confirmations_chat" json:"required_confirmations_chat"`
		RequiredConfirmationsCurrency uint64 `mapstructure:"required_confirmations_currency" json:"required_confirmations_currency"`
	} `mapstructure:"bridge" json:"bridge"`

	Multisig struct {
		Threshold  int      `mapstructure:"threshold" json:"threshold"`
		Validators []string `mapstructure:"validators" json:"validators"`
	} `mapstructure:"multisig" json:"multisig"`

	Slashing struct {
		SlashPct             float64 `mapstructure:"slash_pct" json:"slash_pct"`
		AutoApproveThreshold uint64  `mapstructure:"auto_approve_threshold" json:"auto_approve_threshold"`
		MinVotesForApproval  int     `mapstructure:"min_votes_for_approval" json:"min_votes_for_approval"`
		InitialInsuranceFund uint64  `mapstructure:"initial_insurance_fund" json:"initial_insurance_fund"`
	} `mapstructure:"slashing" json:"slashing"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files under cmd/config and config, merging any
// environment-specific overrides named by env, then unmarshals the result
// into AppConfig.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, "merge "+env+" config")
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the DCHAT_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("DCHAT_ENV", ""))
}
