// Command genkeys generates device identity and cross-signing key material
// for development and testing, printed as JSON on stdout.
package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"roomcrypt/common"
	"roomcrypt/crosssigning"
	"roomcrypt/crypto/key_ed25519"
)

func main() {
	var (
		userID   string
		deviceID string
		withXS   bool
	)

	root := &cobra.Command{
		Use:   "roomcrypt-genkeys",
		Short: "Generate device identity key material",
		RunE: func(cmd *cobra.Command, args []string) error {
			signing, err := key_ed25519.NewPair()
			if err != nil {
				return err
			}
			agreement, err := key_ed25519.NewPair()
			if err != nil {
				return err
			}

			out := map[string]any{
				"identity": &common.DeviceIdentity{
					UserID:       userID,
					DeviceID:     deviceID,
					SigningKey:   *signing,
					AgreementKey: *agreement,
					CreatedAt:    time.Now().UTC(),
				},
			}
			if withXS {
				set, err := crosssigning.NewKeySet(userID)
				if err != nil {
					return err
				}
				out["cross_signing"] = set
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	root.Flags().StringVar(&userID, "user", "alice", "user id")
	root.Flags().StringVar(&deviceID, "device", "DEVICE1", "device id")
	root.Flags().BoolVar(&withXS, "cross-signing", false, "also generate a cross-signing key set")

	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
