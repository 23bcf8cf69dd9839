package main

import (
	"log/slog"
	"os"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"

	"github.com/fwessels/genassume"
)

// cpuidIDs maps the header feature spellings onto cpuid feature ids.
var cpuidIDs = map[string]cpuid.FeatureID{
	"ADX":       cpuid.ADX,
	"AES":       cpuid.AESNI,
	"AVX":       cpuid.AVX,
	"AVX2":      cpuid.AVX2,
	"BMI":       cpuid.BMI1,
	"F16C":      cpuid.F16C,
	"FMA":       cpuid.FMA3,
	"LZCNT":     cpuid.LZCNT,
	"MMX":       cpuid.MMX,
	"PCLMULQDQ": cpuid.CLMUL,
	"POPCNT":    cpuid.POPCNT,
	"RDRND":     cpuid.RDRAND,
	"RDSEED":    cpuid.RDSEED,
	"RTM":       cpuid.RTM,
	"SHA":       cpuid.SHA,
	"SSE":       cpuid.SSE,
	"SSE2":      cpuid.SSE2,
	"SSE3":      cpuid.SSE3,
	"SSSE3":     cpuid.SSSE3,
	"SSE4_1":    cpuid.SSE4,
	"SSE4_2":    cpuid.SSE42,
}

// reportHostFeatures logs, per distinct mapped feature, whether the machine
// running the tool supports it. Informational only; the rewritten headers do
// not depend on the host CPU.
func reportHostFeatures(fm genassume.FeatureMap) {
	for _, feat := range fm.Features() {
		if feat == "GENERIC_IA32" {
			slog.Debug("host feature", "feature", feat, "supported", true)
			continue
		}
		id, ok := cpuidIDs[feat]
		if !ok {
			slog.Debug("host feature", "feature", feat, "supported", "unknown")
			continue
		}
		slog.Debug("host feature", "feature", feat, "supported", cpuid.CPU.Supports(id))
	}
}

func NewCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "genassume <descfile> <dir>",
		Short: "Add __builtin_assume() calls to intrinsic header files",
		Long: `genassume rewrites the x86 intrinsic headers found in <dir>, inserting a
__builtin_assume(__builtin_has_cpu_feature(...)) call into every intrinsic
whose feature association is listed in the <descfile> intrinsics XML.
Headers already carrying the feature include are left untouched.`,
		Args: cobra.ExactArgs(2),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			fm, err := genassume.LoadFeatureMap(args[0])
			if err != nil {
				return err
			}
			reportHostFeatures(fm)
			return genassume.ProcessDir(fm, args[1])
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func main() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
