package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"roomcrypt/internal/accountstore"
	"roomcrypt/internal/directory"
	"roomcrypt/internal/engine"
	"roomcrypt/internal/model"
	"roomcrypt/internal/service/client"
	"roomcrypt/internal/truststore"
	"roomcrypt/internal/utils/log"
)

type printer struct{}

func (printer) HandleDirect(from string, payload *model.PlainPayload) {
	fmt.Printf("[direct] %s: %s\n", from, string(payload.Content))
}

func (printer) HandleGroup(roomID, from string, plaintext []byte) {
	fmt.Printf("[%s] %s: %s\n", roomID, from, string(plaintext))
}

func main() {
	user := flag.String("user", "", "user id")
	deviceID := flag.String("device", "DEVICE1", "device id")
	relay := flag.String("relay", "localhost:9090", "relay address")
	dataDir := flag.String("data", ".roomcrypt", "state directory")
	passphrase := flag.String("passphrase", "", "account store passphrase")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: client -user <id> [-device <id>]")
		os.Exit(1)
	}
	if err := log.Init(*debug); err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		log.Fatal("create state directory failed", zap.Error(err))
	}

	store, err := accountstore.Open(filepath.Join(*dataDir, *user+".db"), *passphrase)
	if err != nil {
		log.Fatal("open account store failed", zap.Error(err))
	}
	defer store.Close()

	trust, err := truststore.Open(filepath.Join(*dataDir, *user+"_trusted_devices"))
	if err != nil {
		log.Fatal("open trust store failed", zap.Error(err))
	}

	eng, err := engine.New(*user, *deviceID, store, trust)
	if err != nil {
		log.Fatal("init engine failed", zap.Error(err))
	}

	ctx := context.Background()
	c := client.NewClient(eng, directory.NewClient(*relay), *relay, printer{})
	if err := c.Run(ctx); err != nil {
		log.Fatal("start client failed", zap.Error(err))
	}
	defer c.Stop()

	fmt.Printf("identity key: %s\nsigning key:  %s\n", eng.IdentityKey(), eng.SigningKey())
	repl(ctx, c, eng)
}

// repl reads commands from stdin until EOF:
//
//	verify <user> <device>
//	send <user> <device> <text>
//	group <room> <user,user,...> <text>
func repl(ctx context.Context, c *client.Client, eng *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), " ", 4)
		if len(fields) == 0 || fields[0] == "" {
			continue
		}

		var err error
		switch fields[0] {
		case "verify":
			if len(fields) < 3 {
				err = fmt.Errorf("usage: verify <user> <device>")
				break
			}
			err = verifyDevices(ctx, c, eng, fields[1], fields[2])
		case "send":
			if len(fields) < 4 {
				err = fmt.Errorf("usage: send <user> <device> <text>")
				break
			}
			if err = c.EstablishSessions(ctx, []string{fields[1]}); err == nil {
				content, _ := json.Marshal(fields[3])
				err = c.SendDirect(fields[1], fields[2], content)
			}
		case "group":
			if len(fields) < 4 {
				err = fmt.Errorf("usage: group <room> <user,user,...> <text>")
				break
			}
			users := strings.Split(fields[2], ",")
			err = c.SendGroup(ctx, fields[1], users, map[string]any{"body": fields[3]})
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func verifyDevices(ctx context.Context, c *client.Client, eng *engine.Engine, userID, deviceID string) error {
	if err := c.SyncDevices(ctx, []string{userID}); err != nil {
		return err
	}
	for _, device := range eng.DevicesFor(userID) {
		if device.DeviceID != deviceID {
			continue
		}
		changed, err := eng.VerifyDevice(device)
		if err != nil {
			return err
		}
		if changed {
			fmt.Printf("verified %s/%s (%s)\n", userID, deviceID, device.Ed25519)
		}
		return nil
	}
	return fmt.Errorf("device %s/%s not found", userID, deviceID)
}
