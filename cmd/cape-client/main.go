package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/capeprivacy/go-cape/attest"
	"github.com/capeprivacy/go-cape/cape"
	"github.com/capeprivacy/go-cape/localstore"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "url",
		Value: "",
		Usage: "platform websocket URL (defaults to CAPE_ENCLAVE_HOST)",
	},
	&cli.BoolFlag{
		Name:  "insecure",
		Value: false,
		Usage: "skip TLS certificate verification (development only)",
	},
	&cli.StringSliceFlag{
		Name:  "pcr",
		Usage: "accepted platform measurement as <index>:<hex>[,<hex>...], repeatable",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "cape-client",
		Usage: "add 'service' tag to logs",
	},
}

func main() {
	app := &cli.App{
		Name:  "cape-client",
		Usage: "Invoke confidential functions running in Cape enclaves",
		Flags: globalFlags,
		Commands: []*cli.Command{
			runCommand(),
			keyCommand(),
			encryptCommand(),
			tokenCommand(),
			deployCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func setupLogger(cCtx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cCtx.Bool("log-debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cCtx.Bool("log-json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("service", cCtx.String("log-service"))
	if cCtx.Bool("log-uid") {
		logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	return logger
}

func clientFromFlags(cCtx *cli.Context) *cape.Cape {
	cfg := cape.ConfigFromEnv()
	if url := cCtx.String("url"); url != "" {
		cfg.URL = url
	}
	if cCtx.Bool("insecure") {
		cfg.InsecureDisableTLSVerify = true
	}
	return cape.New(cfg, setupLogger(cCtx))
}

// parsePCRPolicy turns repeated --pcr index:hex[,hex...] flags into a
// verification policy.
func parsePCRPolicy(values []string) (attest.PCRPolicy, error) {
	if len(values) == 0 {
		return nil, nil
	}

	policy := attest.PCRPolicy{}
	for _, value := range values {
		index, measurements, found := strings.Cut(value, ":")
		if !found {
			return nil, fmt.Errorf("malformed --pcr value %q, want <index>:<hex>", value)
		}
		i, err := strconv.Atoi(index)
		if err != nil {
			return nil, fmt.Errorf("malformed PCR index in %q: %w", value, err)
		}
		policy[i] = append(policy[i], strings.Split(measurements, ",")...)
	}
	return policy, nil
}

func functionRefFromFlags(cCtx *cli.Context) (cape.FunctionRef, error) {
	if path := cCtx.String("ref"); path != "" {
		return cape.LoadFunctionRef(path)
	}
	return cape.NewFunctionRef(cCtx.String("function-id"), cCtx.String("checksum"), cCtx.String("token"))
}

func readInput(cCtx *cli.Context) ([]byte, error) {
	if path := cCtx.String("input-file"); path != "" {
		return os.ReadFile(path)
	}
	if input := cCtx.String("input"); input != "" {
		return []byte(input), nil
	}
	return nil, fmt.Errorf("provide --input or --input-file")
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Invoke a deployed function once over a verified session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "function-id", Usage: "ID of the deployed function"},
			&cli.StringFlag{Name: "checksum", Usage: "expected hex checksum of the deployed function"},
			&cli.StringFlag{Name: "token", Usage: "function or platform access token"},
			&cli.StringFlag{Name: "ref", Usage: "JSON function reference file (overrides the flags above)"},
			&cli.StringFlag{Name: "input", Usage: "inline function input"},
			&cli.StringFlag{Name: "input-file", Usage: "file with function input"},
		},
		Action: func(cCtx *cli.Context) error {
			ref, err := functionRefFromFlags(cCtx)
			if err != nil {
				return err
			}
			input, err := readInput(cCtx)
			if err != nil {
				return err
			}
			policy, err := parsePCRPolicy(cCtx.StringSlice("pcr"))
			if err != nil {
				return err
			}

			result, err := clientFromFlags(cCtx).Run(cCtx.Context, ref, input, policy)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(result)
			return err
		},
	}
}

func keyCommand() *cli.Command {
	return &cli.Command{
		Name:  "key",
		Usage: "Fetch and cache the account's public encryption key",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "token", Usage: "platform access token"},
		},
		Action: func(cCtx *cli.Context) error {
			policy, err := parsePCRPolicy(cCtx.StringSlice("pcr"))
			if err != nil {
				return err
			}

			client := clientFromFlags(cCtx)
			key, err := client.Key(cCtx.Context, cCtx.String("token"), policy)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", base64.StdEncoding.EncodeToString(key))
			fmt.Fprintf(os.Stderr, "cached at %s\n", client.Keys.Path())
			return nil
		},
	}
}

func encryptCommand() *cli.Command {
	return &cli.Command{
		Name:  "encrypt",
		Usage: "Encrypt data under the account key for use as function input",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "token", Usage: "platform access token"},
			&cli.StringFlag{Name: "input", Usage: "inline plaintext"},
			&cli.StringFlag{Name: "input-file", Usage: "file with plaintext"},
		},
		Action: func(cCtx *cli.Context) error {
			input, err := readInput(cCtx)
			if err != nil {
				return err
			}
			tagged, err := clientFromFlags(cCtx).Encrypt(cCtx.Context, input, cCtx.String("token"))
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", tagged)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	storeFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "store",
			Required: true,
			Usage:    "path of the encrypted credential store",
		},
		&cli.StringFlag{
			Name:    "passphrase",
			EnvVars: []string{"CAPE_STORE_PASSPHRASE"},
			Usage:   "passphrase protecting the credential store",
		},
	}

	return &cli.Command{
		Name:  "token",
		Usage: "Manage function credentials in an encrypted local store",
		Subcommands: []*cli.Command{
			{
				Name:  "save",
				Usage: "Save a function reference, encrypted at rest",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "ref", Required: true, Usage: "JSON function reference file"},
				}, storeFlags...),
				Action: func(cCtx *cli.Context) error {
					ref, err := cape.LoadFunctionRef(cCtx.String("ref"))
					if err != nil {
						return err
					}
					data, err := json.Marshal(ref)
					if err != nil {
						return err
					}
					store := &localstore.CredentialStore{
						Path:       cCtx.String("store"),
						Passphrase: []byte(cCtx.String("passphrase")),
					}
					return store.Save(data)
				},
			},
			{
				Name:  "show",
				Usage: "Decrypt and print the stored function reference",
				Flags: storeFlags,
				Action: func(cCtx *cli.Context) error {
					store := &localstore.CredentialStore{
						Path:       cCtx.String("store"),
						Passphrase: []byte(cCtx.String("passphrase")),
					}
					data, err := store.Load()
					if err != nil {
						return err
					}
					ref, err := cape.ParseFunctionRef(data)
					if err != nil {
						return err
					}
					fmt.Printf("function_id: %s\n", ref.ID)
					fmt.Printf("function_checksum: %s\n", ref.Checksum)
					fmt.Printf("function_token: %s\n", ref.Token)
					return nil
				},
			},
		},
	}
}

// deployCommand wraps the platform `cape` binary: it deploys a function
// directory, mints a scoped token for it, and writes the combined function
// reference as JSON.
func deployCommand() *cli.Command {
	return &cli.Command{
		Name:      "deploy",
		Usage:     "Deploy a function directory via the platform CLI and emit its reference",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Value: "function_ref.json", Usage: "where to write the function reference"},
			&cli.StringFlag{Name: "expiry", Usage: "token lifetime in seconds, empty for the platform default"},
		},
		Action: func(cCtx *cli.Context) error {
			if cCtx.NArg() != 1 {
				return fmt.Errorf("expected exactly one path argument")
			}

			cfg := cape.ConfigFromEnv()
			if url := cCtx.String("url"); url != "" {
				cfg.URL = url
			}

			deployOut, err := capeCLI(cCtx, "deploy", cCtx.Args().First(), "-u", cfg.URL, "-o", "json")
			if err != nil {
				return err
			}
			var deployed struct {
				FunctionID       string `json:"function_id"`
				FunctionChecksum string `json:"function_checksum"`
			}
			if err := json.Unmarshal(firstLine(deployOut), &deployed); err != nil {
				return fmt.Errorf("could not parse deploy output: %w", err)
			}
			if deployed.FunctionID == "" {
				return fmt.Errorf("deploy output did not include a function ID")
			}

			tokenArgs := []string{"token", deployed.FunctionID, "--function-checksum", deployed.FunctionChecksum, "-o", "json"}
			if expiry := cCtx.String("expiry"); expiry != "" {
				tokenArgs = append(tokenArgs, "--expiry", expiry)
			}
			tokenOut, err := capeCLI(cCtx, tokenArgs...)
			if err != nil {
				return err
			}
			var minted struct {
				FunctionToken string `json:"function_token"`
			}
			if err := json.Unmarshal(firstLine(tokenOut), &minted); err != nil {
				return fmt.Errorf("could not parse token output: %w", err)
			}

			ref, err := cape.NewFunctionRef(deployed.FunctionID, deployed.FunctionChecksum, minted.FunctionToken)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(ref, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(cCtx.String("out"), data, 0o600); err != nil {
				return err
			}
			fmt.Printf("deployed %s, reference written to %s\n", deployed.FunctionID, cCtx.String("out"))
			return nil
		},
	}
}

func capeCLI(cCtx *cli.Context, args ...string) ([]byte, error) {
	log := setupLogger(cCtx)
	log.Debug("Calling platform CLI", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(cCtx.Context, "cape", args...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("platform CLI failed (is `cape` installed?): %w", err)
	}
	return out, nil
}

func firstLine(out []byte) []byte {
	line, _, _ := strings.Cut(string(out), "\n")
	return []byte(line)
}
