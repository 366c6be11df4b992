package commands

import (
	"fmt"

	"github.com/capsulehub/capsuled/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample capsuled configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/capsuled/config.yaml. Use --config to specify a custom
path.

Examples:
  # Initialize with default location
  capsuled init

  # Initialize with custom path
  capsuled init --config /etc/capsuled/config.yaml

  # Force overwrite existing config
  capsuled init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Set the token verification variables (CLERK_JWT_ISSUER, CLERK_JWT_AUDIENCE)")
	fmt.Println("  3. Start the server with: capsuled start")
	fmt.Printf("  4. Or specify custom config: capsuled start --config %s\n", configPath)

	return nil
}
