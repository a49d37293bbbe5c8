package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chikuno/dchat/internal/bridge"
	"github.com/chikuno/dchat/internal/dispute"
	"github.com/chikuno/dchat/internal/eclipse"
	"github.com/chikuno/dchat/internal/ledger"
	"github.com/chikuno/dchat/internal/multisig"
	"github.com/chikuno/dchat/internal/onion"
	"github.com/chikuno/dchat/internal/p2p"
	"github.com/chikuno/dchat/internal/pruning"
	"github.com/chikuno/dchat/internal/relay"
	"github.com/chikuno/dchat/internal/sharding"
	"github.com/chikuno/dchat/internal/slashing"
	"github.com/chikuno/dchat/internal/tokenomics"
	"github.com/chikuno/dchat/internal/types"
	"github.com/chikuno/dchat/internal/upgrade"
	"github.com/chikuno/dchat/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "dchatnode"}
	rootCmd.PersistentFlags().String("env", "", "configuration environment overlay to merge (e.g. devnet)")
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(tokenomicsCmd())
	rootCmd.AddCommand(bridgeCmd())
	rootCmd.AddCommand(upgradeCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	env, _ := cmd.Flags().GetString("env")
	if env == "" {
		env, _ = cmd.Root().PersistentFlags().GetString("env")
	}
	return config.Load(env)
}

// components bundles the constructed core state behind the commands below;
// a real deployment wires these into an RPC/API surface, out of scope here.
type components struct {
	ledger    *ledger.Ledger
	supply    *tokenomics.SupplyManager
	shards    *sharding.Router
	pruner    *pruning.Pruner
	disputes  *dispute.Registry
	upgrades  *upgrade.Registry
	relays    *relay.Pool
	circuits  *onion.Builder
	bridges   *bridge.Registry
	multisigs *multisig.Registry
	slashes   *slashing.Manager
	guard     *eclipse.Guard
	net       *p2p.Node
}

func buildComponents(cfg *config.Config) (*components, error) {
	led := ledger.New()

	supply := tokenomics.New(tokenomics.Config{
		MaxSupply:     cfg.Tokenomics.MaxSupply,
		InflationBps:  cfg.Tokenomics.InflationBps,
		BlocksPerYear: cfg.Tokenomics.BlocksPerYear,
	}, cfg.Tokenomics.InitialSupply, led)

	tracked := make([]sharding.ShardID, 0, len(cfg.Sharding.TrackedShards))
	if cfg.Sharding.LightClient {
		for _, s := range cfg.Sharding.TrackedShards {
			tracked = append(tracked, sharding.ShardID(s))
		}
	}
	shards := sharding.New(cfg.Sharding.NumShards, tracked...)

	nodeType := pruning.Full
	switch cfg.Pruning.NodeType {
	case "archive":
		nodeType = pruning.Archive
	case "light":
		nodeType = pruning.Light
	}
	priority := make(map[string]struct{}, len(cfg.Pruning.PriorityChannels))
	for _, ch := range cfg.Pruning.PriorityChannels {
		priority[ch] = struct{}{}
	}
	pruner, err := pruning.New(nodeType, pruning.Policy{
		RetentionPeriod:  cfg.Pruning.RetentionPeriod,
		PriorityChannels: priority,
	}, cfg.Pruning.RetainCacheSize)
	if err != nil {
		return nil, fmt.Errorf("construct pruner: %w", err)
	}

	disputes := dispute.New()

	upgrades := upgrade.New(upgrade.Config{
		QuorumPct:         cfg.Upgrade.QuorumPct,
		HardForkThreshold: cfg.Upgrade.HardForkThreshold,
	}, types.Version{Major: 1})

	relays := relay.New(relay.Config{
		MinStake:          cfg.Relay.MinStake,
		MinUptimeScore:    cfg.Relay.MinUptimeScore,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		UptimeWindow:      cfg.Relay.UptimeWindow,
		PodBatchSize:      cfg.Relay.PodBatchSize,
	})

	circuits, err := onion.NewBuilder(cfg.Onion.SecretCacheSize)
	if err != nil {
		return nil, fmt.Errorf("construct onion builder: %w", err)
	}

	bridges := bridge.New(bridge.Config{
		RequiredConfirmations: func(src types.ChainKind) uint64 {
			if src == types.CurrencyChain {
				return cfg.Bridge.RequiredConfirmationsCurrency
			}
			return cfg.Bridge.RequiredConfirmationsChat
		},
	})

	validatorSet := make(map[types.Address]struct{}, len(cfg.Multisig.Validators))
	for _, v := range cfg.Multisig.Validators {
		addr, err := types.AddressFromHex(v)
		if err != nil {
			return nil, fmt.Errorf("parse validator address %q: %w", v, err)
		}
		validatorSet[addr] = struct{}{}
	}
	multisigs := multisig.New(multisig.ValidatorConfig{
		Threshold:  cfg.Multisig.Threshold,
		Validators: validatorSet,
	})

	slashes := slashing.New(slashing.Config{
		SlashPct:             cfg.Slashing.SlashPct,
		AutoApproveThreshold: cfg.Slashing.AutoApproveThreshold,
		MinVotesForApproval:  cfg.Slashing.MinVotesForApproval,
	}, cfg.Slashing.InitialInsuranceFund)

	guard := eclipse.New(eclipse.Config{
		MaxPeersPerASN:        cfg.Eclipse.MaxPeersPerASN,
		AlertThreshold:        cfg.Eclipse.AlertThreshold,
		MaxPeersPerContinent:  cfg.Eclipse.MaxPeersPerContinent,
		MinASNDiversity:       cfg.Eclipse.MinASNDiversity,
		MinContinentDiversity: cfg.Eclipse.MinContinentDiversity,
		MinRelayPaths:         cfg.Eclipse.MinRelayPaths,
		BGPConsensusThreshold: cfg.Eclipse.BGPConsensusThreshold,
	})

	net, err := p2p.New(p2p.Config{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	})
	if err != nil {
		return nil, fmt.Errorf("construct p2p node: %w", err)
	}

	return &components{
		ledger: led, supply: supply, shards: shards, pruner: pruner,
		disputes: disputes, upgrades: upgrades, relays: relays, circuits: circuits,
		bridges: bridges, multisigs: multisigs, slashes: slashes, guard: guard, net: net,
	}, nil
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node"}
	start := &cobra.Command{
		Use:   "start",
		Short: "start a dchatnode process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Logging.Level != "" {
				if lvl, lerr := logrus.ParseLevel(cfg.Logging.Level); lerr == nil {
					logrus.SetLevel(lvl)
				}
			}
			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}
			logrus.WithField("network_id", cfg.Network.ID).Info("dchatnode: all cores constructed, entering run loop")
			for {
				logrus.WithFields(logrus.Fields{
					"chain_supply":   c.supply.Snapshot().Supply,
					"active_relays":  c.relays.ActivePoolSize(),
					"eclipse_health": c.guard.Healthy(),
				}).Info("dchatnode: heartbeat")
				time.Sleep(30 * time.Second)
			}
		},
	}
	cmd.AddCommand(start)
	return cmd
}

func tokenomicsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tokenomics"}

	mint := &cobra.Command{
		Use:   "mint [amount]",
		Short: "mint new supply as a governance directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			amt, _ := cmd.Flags().GetUint64("amount")
			recipient, _ := cmd.Flags().GetString("to")
			addr, err := types.AddressFromHex(recipient)
			if err != nil {
				return err
			}
			led := ledger.New()
			sm := tokenomics.New(tokenomics.Config{
				MaxSupply:     cfg.Tokenomics.MaxSupply,
				InflationBps:  cfg.Tokenomics.InflationBps,
				BlocksPerYear: cfg.Tokenomics.BlocksPerYear,
			}, cfg.Tokenomics.InitialSupply, led)
			id, err := sm.Mint(amt, tokenomics.ReasonGovernanceDirective, addr)
			if err != nil {
				return err
			}
			fmt.Printf("minted %d to %s, id=%s\n", amt, recipient, id)
			return nil
		},
	}
	mint.Flags().Uint64("amount", 0, "amount to mint")
	mint.Flags().String("to", "", "recipient address (hex)")
	cmd.AddCommand(mint)

	return cmd
}

func bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bridge"}
	initiate := &cobra.Command{
		Use:   "initiate",
		Short: "initiate a cross-chain bridge transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			amt, _ := cmd.Flags().GetUint64("amount")
			initiatorHex, _ := cmd.Flags().GetString("from")
			initiator, err := types.AddressFromHex(initiatorHex)
			if err != nil {
				return err
			}
			registry := bridge.New(bridge.Config{
				RequiredConfirmations: func(src types.ChainKind) uint64 {
					if src == types.CurrencyChain {
						return cfg.Bridge.RequiredConfirmationsCurrency
					}
					return cfg.Bridge.RequiredConfirmationsChat
				},
			})
			tx, err := registry.Initiate(types.CurrencyChain, types.ChatChain, initiator, amt, time.Now().Add(time.Hour))
			if err != nil {
				return err
			}
			fmt.Printf("bridge tx initiated: %s\n", tx.ID)
			return nil
		},
	}
	initiate.Flags().Uint64("amount", 0, "amount to bridge")
	initiate.Flags().String("from", "", "initiator address (hex)")
	cmd.AddCommand(initiate)
	return cmd
}

func upgradeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "upgrade"}
	propose := &cobra.Command{
		Use:   "propose",
		Short: "propose a protocol upgrade",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			major, _ := cmd.Flags().GetUint32("target-major")
			registry := upgrade.New(upgrade.Config{
				QuorumPct:         cfg.Upgrade.QuorumPct,
				HardForkThreshold: cfg.Upgrade.HardForkThreshold,
			}, types.Version{Major: 1})
			p, err := registry.Propose(upgrade.SoftFork, types.Version{Major: major}, time.Now().Add(7*24*time.Hour))
			if err != nil {
				return err
			}
			fmt.Printf("upgrade proposal created: %s target=%s\n", p.ID, p.TargetVersion)
			return nil
		},
	}
	propose.Flags().Uint32("target-major", 2, "target major protocol version")
	cmd.AddCommand(propose)
	return cmd
}
