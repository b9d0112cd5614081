package cmd

import (
	"errors"
	"fmt"
	"strings"

	"eventbot/pkg/plugin"

	"github.com/spf13/cobra"
)

var pluginDir string

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List Lua plugins and the handlers they define",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		manager := plugin.New(plugin.Options{Dir: resolvePluginDir()})
		defer manager.Close()

		if err := manager.Load(); err != nil {
			if errors.Is(err, plugin.ErrNoPluginDir) {
				fmt.Printf("no plugin directory at %s\n", manager.Dir())
				return
			}
			fmt.Printf("failed to load plugins: %v\n", err)
			exitStatus = 1
			return
		}

		if len(manager.Status()) == 0 {
			fmt.Printf("no plugins in %s\n", manager.Dir())
			return
		}
		fmt.Println(manager.InfoTable())
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
	pluginsCmd.Flags().StringVarP(&pluginDir, "dir", "d", "", "plugin directory (default: plugins.dir from config)")
}

// resolvePluginDir prefers the flag, then the config file, then the default directory.
func resolvePluginDir() string {
	if dir := strings.TrimSpace(pluginDir); dir != "" {
		return dir
	}
	if cfg, err := loadConfig(); err == nil {
		return cfg.Plugins.Dir
	}
	return plugin.DefaultDir
}
