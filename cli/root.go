package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gaoyangz77/easyclaw/cli/commands"
)

// Version 构建时经 ldflags 注入
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "easyclaw",
	Short: "EasyClaw customer-service relay",
	Long:  `EasyClaw 把企业微信客服消息中继到桌面智能体网关。`,
}

func init() {
	rootCmd.AddCommand(commands.RelayCommand())
	rootCmd.AddCommand(commands.GatewayCommand())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("easyclaw", Version)
		},
	})
}

// Execute 运行根命令
func Execute() error {
	return rootCmd.Execute()
}
