package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/web3/signer"
	sdk "AgentProof-Chain/sdk/go/proofs"
)

// errInvalidProof 让 verify 在校验不通过时以非零状态退出。
var errInvalidProof = errors.New("proof did not verify")

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "proofctl",
		Short:         "Generate, inspect and verify signed decision proofs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				return godotenv.Load(envFile)
			}
			_ = godotenv.Load()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file")
	root.PersistentFlags().String("server", envOr("PROOFD_URL", "http://localhost:8080"), "proofd base URL")

	root.AddCommand(newGenerateCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newDecodeCmd())
	root.AddCommand(newLeafCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newStatusCmd())
	return root
}

func newGenerateCmd() *cobra.Command {
	var (
		decisionPath string
		keyEnv       string
		keystore     string
		passwordEnv  string
		oddPolicy    string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build and sign a proof for a decision file",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := proofs.ParseOddPolicy(oddPolicy)
			if err != nil {
				return err
			}
			decision, err := readDecision(decisionPath)
			if err != nil {
				return err
			}
			key, err := loadKey(keyEnv, keystore, passwordEnv)
			if err != nil {
				return err
			}
			engine := proofs.NewEngine(key, proofs.WithTreeOptions(proofs.WithOddPolicy(policy)))
			bundle, err := engine.Generate(cmd.Context(), decision)
			if err != nil {
				return err
			}
			hookData, err := bundle.HookData()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				*proofs.Bundle
				HookData string `json:"hook_data"`
			}{bundle, hexutil.Encode(hookData)})
		},
	}
	cmd.Flags().StringVar(&decisionPath, "decision", "", "Decision JSON file ('-' for stdin)")
	cmd.Flags().StringVar(&keyEnv, "key-env", "AGENT_PRIVATE_KEY", "Environment variable holding the hex private key")
	cmd.Flags().StringVar(&keystore, "keystore", "", "Encrypted keystore file, overrides --key-env")
	cmd.Flags().StringVar(&passwordEnv, "password-env", "AGENT_KEYSTORE_PASSWORD", "Environment variable holding the keystore password")
	cmd.Flags().StringVar(&oddPolicy, "odd", "promote", "Odd node policy: promote or duplicate")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		proofPath string
		hookData  string
		expected  string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check inclusion and signer of a proof",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(expected) {
				return fmt.Errorf("--signer must be a 20-byte hex address")
			}
			proof, reasoning, err := loadProof(proofPath, hookData)
			if err != nil {
				return err
			}
			res, err := proofs.Check(proof, common.HexToAddress(expected))
			if err != nil {
				return err
			}
			rows := []row{
				{"root", proof.MerkleRoot.Hex()},
				{"leaf", proof.LeafHash.Hex()},
				{"timestamp", strconv.FormatUint(proof.Timestamp, 10)},
				{"inclusion", check(res.Inclusion)},
				{"signer", check(res.Authentic)},
				{"recovered", res.Recovered.Hex()},
			}
			if action := chosenAction(reasoning); action != "" {
				rows = append(rows, row{"action", action})
			}
			renderPanel(cmd.OutOrStdout(), "Decision proof", rows)
			if !res.Valid() {
				return errInvalidProof
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&proofPath, "proof", "", "Proof JSON file")
	cmd.Flags().StringVar(&hookData, "hook-data", "", "ABI-encoded hook data (0x hex)")
	cmd.Flags().StringVar(&expected, "signer", "", "Expected agent address")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode HOOKDATA",
		Short: "Decode hook data into the proof and reasoning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proof, reasoning, err := loadProof("", args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"proof": proof, "reasoning": reasoning})
		},
	}
}

func newLeafCmd() *cobra.Command {
	var (
		currency0  string
		currency1  string
		amount     string
		decimals   int32
		zeroForOne bool
	)
	cmd := &cobra.Command{
		Use:   "leaf",
		Short: "Compute the leaf hash for one set of action parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := proofs.ParseUnits(amount, decimals)
			if err != nil {
				return err
			}
			params, err := proofs.NewActionParameters(currency0, currency1, units, zeroForOne)
			if err != nil {
				return err
			}
			leaf, err := proofs.LeafHash(params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"parameters": params,
				"leaf":       leaf.Hex(),
			})
		},
	}
	cmd.Flags().StringVar(&currency0, "currency0", "", "First currency address")
	cmd.Flags().StringVar(&currency1, "currency1", "", "Second currency address")
	cmd.Flags().StringVar(&amount, "amount", "", "Signed decimal amount, e.g. -1.5")
	cmd.Flags().Int32Var(&decimals, "decimals", 0, "Token decimals used to scale --amount")
	cmd.Flags().BoolVar(&zeroForOne, "zero-for-one", false, "Swap direction flag")
	_ = cmd.MarkFlagRequired("currency0")
	_ = cmd.MarkFlagRequired("currency1")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var (
		decisionPath string
		id           string
		chain        string
		onchain      bool
		wait         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a decision on a running proofd",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(decisionPath)
			if err != nil {
				return err
			}
			client, err := sdkClient(cmd)
			if err != nil {
				return err
			}
			job, err := client.SubmitDecision(cmd.Context(), sdk.DecisionSubmission{
				ID:       id,
				Decision: json.RawMessage(raw),
				Submit:   onchain,
				Chain:    chain,
			})
			if err != nil {
				return err
			}
			if wait > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				if job, err = client.WaitForJob(ctx, job.ID, time.Second); err != nil {
					return err
				}
			}
			renderJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().StringVar(&decisionPath, "decision", "", "Decision JSON file ('-' for stdin)")
	cmd.Flags().StringVar(&id, "id", "", "Idempotency key for the job")
	cmd.Flags().StringVar(&chain, "chain", "", "Target chain name")
	cmd.Flags().BoolVar(&onchain, "onchain", false, "Submit the hook data to the verifier contract")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the job to finish")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job and its proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := sdkClient(cmd)
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func renderJob(w io.Writer, job sdk.Job) {
	rows := []row{
		{"id", job.ID},
		{"status", job.Status},
		{"attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxRetries)},
	}
	if job.Result != nil {
		rows = append(rows,
			row{"action", job.Result.Action},
			row{"root", job.Result.MerkleRoot},
		)
		if job.Result.TxHash != "" {
			rows = append(rows, row{"tx", job.Result.Chain + " " + job.Result.TxHash})
		}
		if job.Result.Note != "" {
			rows = append(rows, row{"note", job.Result.Note})
		}
	}
	if job.LastError != "" {
		rows = append(rows, row{"error", errorStyle.Render(job.ErrorCode + ": " + job.LastError)})
	}
	renderPanel(w, "Proof job", rows)
}

func sdkClient(cmd *cobra.Command) (*sdk.Client, error) {
	server, err := cmd.Flags().GetString("server")
	if err != nil {
		return nil, err
	}
	return sdk.NewClient(server, nil)
}

func loadKey(keyEnv, keystore, passwordEnv string) (*signer.KeySigner, error) {
	if keystore != "" {
		return signer.LoadKeystore(keystore, os.Getenv(passwordEnv))
	}
	return signer.FromEnv(keyEnv)
}

func loadProof(path, hookData string) (*proofs.Proof, string, error) {
	switch {
	case path != "":
		raw, err := readInput(path)
		if err != nil {
			return nil, "", err
		}
		proof, err := proofs.ParseProof(raw)
		return proof, "", err
	case hookData != "":
		raw, err := hexutil.Decode(strings.TrimSpace(hookData))
		if err != nil {
			return nil, "", fmt.Errorf("hook data is not 0x hex: %w", err)
		}
		return proofs.DecodeHookData(raw)
	default:
		return nil, "", errors.New("either --proof or --hook-data is required")
	}
}

func readDecision(path string) (*proofs.DecisionTree, error) {
	raw, err := readInput(path)
	if err != nil {
		return nil, err
	}
	var decision proofs.DecisionTree
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &decision, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func chosenAction(reasoning string) string {
	const marker = "CHOSEN ACTION: "
	idx := strings.Index(reasoning, marker)
	if idx < 0 {
		return ""
	}
	rest := reasoning[idx+len(marker):]
	if end := strings.IndexByte(rest, '\n'); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
