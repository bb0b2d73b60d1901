package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/burrowlabs/burrow/internal/server/auth"
	"github.com/burrowlabs/burrow/internal/server/config"
	"github.com/burrowlabs/burrow/pkg/utils"
)

var (
	tokenEmail    string
	tokenUserID   string
	tokenDeviceID string
)

// token mints a session token directly against the configured secret,
// bypassing the device-code flow. Useful for scripted deployments and
// local testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an agent session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		userID := uuid.New()
		if tokenUserID != "" {
			userID, err = uuid.Parse(tokenUserID)
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
		}
		deviceID := tokenDeviceID
		if deviceID == "" {
			deviceID = utils.GenerateDeviceID()
		}

		tokens := auth.NewTokenService(cfg.Auth.JWTSecret)
		signed, err := tokens.Sign(userID, tokenEmail, deviceID)
		if err != nil {
			return err
		}

		fmt.Println(signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "user email to embed in the token")
	tokenCmd.Flags().StringVar(&tokenUserID, "user-id", "", "existing user id (random when omitted)")
	tokenCmd.Flags().StringVar(&tokenDeviceID, "device-id", "", "device id (generated when omitted)")
	_ = tokenCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(tokenCmd)
}
