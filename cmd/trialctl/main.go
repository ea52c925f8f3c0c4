package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"trialgate/internal/attestation"
	"trialgate/pkg/trialclient"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "keygen":
		err = runKeygen(args)
	case "fingerprint":
		err = runFingerprint(args)
	case "start":
		err = runStart(args)
	case "validate":
		err = runValidate(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen       Generate an attestation signing keypair")
	fmt.Fprintln(os.Stderr, "  fingerprint  Print the device fingerprint of this host")
	fmt.Fprintln(os.Stderr, "  start        Start a trial against the validation service")
	fmt.Fprintln(os.Stderr, "  validate     Revalidate an existing trial")
	os.Exit(2)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	issuer := fs.String("issuer", getenv("ISSUER", "http://localhost:8083"), "attestation token issuer")
	if err := fs.Parse(args); err != nil {
		return err
	}

	signer, err := attestation.NewSigner("", *issuer)
	if err != nil {
		return err
	}
	fmt.Printf("ATTEST_PUBLIC_KEY=%s\n", signer.PublicKeyBase64())
	fmt.Printf("ATTEST_PRIVATE_KEY=%s\n", signer.PrivateKeyBase64())
	return nil
}

func runFingerprint(args []string) error {
	fs := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}

	gen := trialclient.NewFingerprintGenerator(nil)
	fmt.Println(gen.Fingerprint())
	return nil
}

type callOpts struct {
	baseURL   string
	userID    string
	trialID   string
	trialType string
	device    string
	debug     bool
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var o callOpts
	fs.StringVar(&o.baseURL, "base-url", getenv("TRIALCTL_BASE_URL", "http://localhost:8083"), "validation service base URL")
	fs.StringVar(&o.userID, "user", "", "user UUID (generated if empty)")
	fs.StringVar(&o.trialType, "type", trialclient.TrialLimited, "trial type: limited, unlimited or freemium")
	fs.StringVar(&o.device, "device", "", "device fingerprint (derived from this host if empty)")
	fs.BoolVar(&o.debug, "debug", false, "mint a debug-class attestation token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if o.userID == "" {
		o.userID = uuid.New().String()
	}

	client, gen, err := buildClient(o)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := client.StartTrial(ctx, trialclient.StartTrialParams{
		UserID:    o.userID,
		DeviceID:  deviceOrHost(o.device, gen),
		TrialType: o.trialType,
		Simulator: gen.Simulator(),
	})
	if err != nil {
		return err
	}
	return printResult(o.userID, res)
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var o callOpts
	var used int
	fs.StringVar(&o.baseURL, "base-url", getenv("TRIALCTL_BASE_URL", "http://localhost:8083"), "validation service base URL")
	fs.StringVar(&o.userID, "user", "", "user UUID that owns the trial")
	fs.StringVar(&o.trialID, "trial", "", "trial UUID")
	fs.StringVar(&o.device, "device", "", "device fingerprint (derived from this host if empty)")
	fs.IntVar(&used, "used", 0, "generation count observed client-side")
	fs.BoolVar(&o.debug, "debug", false, "mint a debug-class attestation token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(o.trialID) == "" {
		return fmt.Errorf("trial id is required")
	}
	if strings.TrimSpace(o.userID) == "" {
		return fmt.Errorf("user id is required")
	}

	client, gen, err := buildClient(o)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := client.ValidateTrial(ctx, trialclient.ValidateTrialParams{
		TrialID:         o.trialID,
		DeviceID:        deviceOrHost(o.device, gen),
		Simulator:       gen.Simulator(),
		GenerationsUsed: used,
	})
	if err != nil {
		return err
	}
	return printResult(o.userID, res)
}

// buildClient wires a validation client with an attestation signer and an
// identity token minted from the shared signing secret. Both secrets come
// from the environment so the CLI exercises the same auth path as a real
// client build.
func buildClient(o callOpts) (*trialclient.Client, *trialclient.FingerprintGenerator, error) {
	issuer := getenv("ISSUER", "http://localhost:8083")

	signer, err := attestation.NewSigner(os.Getenv("ATTEST_PRIVATE_KEY"), issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("attestation signer: %w", err)
	}

	gen := trialclient.NewFingerprintGenerator(nil)
	deviceID := deviceOrHost(o.device, gen)

	class := attestation.ClassProduction
	tokenClass := trialclient.TokenClassProduction
	if o.debug {
		class = attestation.ClassDebug
		tokenClass = trialclient.TokenClassDebug
	}
	provider := trialclient.NewCachingProvider(func(ctx context.Context) (trialclient.AttestationToken, error) {
		value, exp, err := signer.Mint(deviceID, class, 5*time.Minute)
		if err != nil {
			return trialclient.AttestationToken{}, err
		}
		return trialclient.AttestationToken{Value: value, ExpiresAt: exp, Class: tokenClass}, nil
	})

	identity, err := mintIdentityToken(o.userID, issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("identity token: %w", err)
	}

	client, err := trialclient.NewClient(trialclient.ClientConfig{
		BaseURL:       o.baseURL,
		IdentityToken: func() string { return identity },
		Attestation:   provider,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, gen, nil
}

func mintIdentityToken(userID, issuer string) (string, error) {
	secret := os.Getenv("IDENTITY_SIGNING_KEY")
	if secret == "" {
		return "", fmt.Errorf("IDENTITY_SIGNING_KEY is required")
	}
	now := time.Now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	})
	return tok.SignedString([]byte(secret))
}

func deviceOrHost(device string, gen *trialclient.FingerprintGenerator) string {
	if d := strings.TrimSpace(device); d != "" {
		return d
	}
	return gen.Fingerprint()
}

func printResult(userID string, res *trialclient.TrialValidationResult) error {
	out := struct {
		UserID string                             `json:"userId"`
		Result *trialclient.TrialValidationResult `json:"result"`
	}{userID, res}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
