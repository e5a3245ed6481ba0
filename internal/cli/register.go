package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/daemon"
)

func init() {
	registerCmd.Flags().StringVar(&registerDevice, "device", "", "Device id assigned by the gateway")
	registerCmd.Flags().StringVar(&registerGateway, "gateway", "", "Gateway base URL")
	registerCmd.Flags().StringVar(&registerKey, "key", "", "Gateway auth key")
	registerCmd.MarkFlagRequired("gateway")
	registerCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(registerCmd)
}

var (
	registerDevice  string
	registerGateway string
	registerKey     string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Store gateway credentials for this node",
	Long: `Persist the device id, gateway address and auth key into config.toml.
Sync starts on the next 'sight serve'.`,
	RunE: runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	cfg.Device, err = applyRegistration(cfg.Device, registerDevice, registerGateway, registerKey)
	if err != nil {
		return err
	}
	if err := daemon.SaveConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("Registered device %s with %s\n", cfg.Device.ID, cfg.Device.Gateway)
	fmt.Printf("  Config: %s\n", daemon.ConfigPath())
	return nil
}

// applyRegistration merges flags into the stored device section. An empty
// device flag keeps the existing id.
func applyRegistration(cur daemon.DeviceConfig, device, gateway, key string) (daemon.DeviceConfig, error) {
	if device != "" {
		cur.ID = device
	}
	if cur.ID == "" {
		return cur, errors.New("no device id: pass --device or run 'sight serve' once to generate one")
	}
	if gateway == "" || key == "" {
		return cur, errors.New("--gateway and --key are required")
	}
	cur.Gateway = gateway
	cur.Key = key
	return cur, nil
}
