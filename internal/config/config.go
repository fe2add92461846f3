package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// LoadConfig loads the configuration and sets default values
func LoadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create a default one
			return createDefaultConfig()
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	// Ensure we have sensible defaults in case they are not in the config file
	setDefaults()

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("network", "mainnet") // or "testnet", "signet", "regtest"
	viper.SetDefault("log_file_path", "./immortan.log")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("state_db_path", "./immortan-state.db")

	// Electrum pool
	viper.SetDefault("max_chain_connections", 3)
	viper.SetDefault("use_onion", false)
	viper.SetDefault("custom_electrum_address", "") // host:port, overrides the server list

	// Trampoline routing template; amounts in msat
	viper.SetDefault("routing_enabled_on_start", false)
	viper.SetDefault("routing_min_msat", 1000000)
	viper.SetDefault("routing_fee_base_msat", 1000)
	viper.SetDefault("routing_fee_proportional_millionths", 1000)
	viper.SetDefault("routing_cltv_expiry_delta", 144)
	viper.SetDefault("max_routable_ratio", 0.9)
}

// createDefaultConfig creates a new configuration file if it doesn't exist
func createDefaultConfig() error {
	setDefaults()

	err := viper.SafeWriteConfig()
	if err != nil {
		if os.IsExist(err) {
			// If the config already exists, attempt to overwrite it
			err = viper.WriteConfig()
			if err != nil {
				return fmt.Errorf("error writing config file: %w", err)
			}
		} else {
			return fmt.Errorf("error creating config file: %w", err)
		}
	}

	fmt.Println("Created default configuration file")
	return nil
}
