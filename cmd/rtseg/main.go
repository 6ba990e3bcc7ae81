package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"rtseg/pkg/config"
	"rtseg/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing one subdirectory of mask images per rater")
	masterName := flag.String("master", "", "Rater directory to use as the reference (default: first, sorted)")
	outputDir := flag.String("output", "consensus_slices", "Directory to save consensus slices")
	configPath := flag.String("config", "rtseg.yaml", "Configuration file path")
	iterations := flag.Int("iterations", 0, "Maximum STAPLE iterations (0: use configuration)")
	exportConsensus := flag.Bool("export-consensus", false, "Save the consensus volume as a PNG slice sequence")
	crop := flag.Bool("crop", false, "Crop exported consensus slices to the structure bounding box")
	verbose := flag.Bool("verbose", true, "Print step-by-step progress")
	flag.Parse()

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration (defaults when the file does not exist)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	maxIterations := cfg.Solver.MaxIterations
	if *iterations > 0 {
		maxIterations = *iterations
	}

	fmt.Println("================================")
	fmt.Println("RTSEG: STAPLE CONSENSUS OVER RATER SEGMENTATIONS")
	fmt.Println("================================")

	// Initialize pipeline parameters
	params := &pipeline.Params{
		InputDir:            *inputDir,
		MasterName:          *masterName,
		OutputDir:           *outputDir,
		NumWorkers:          cfg.Processing.NumWorkers,
		MaxIterations:       maxIterations,
		Tolerance:           cfg.Solver.Tolerance,
		SaveConsensusSlices: *exportConsensus || cfg.Output.SaveConsensusSlices,
		CropToStructure:     *crop,
		Verbose:             *verbose && cfg.Output.Verbose,
	}

	// Run the consensus pipeline
	fmt.Println("Starting consensus estimation...")
	startTime := time.Now()
	p := pipeline.NewPipeline(params)
	if err := p.Process(context.Background()); err != nil {
		log.Fatalf("Consensus estimation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	// Display the per-rater scores and the run summary
	metrics := p.GetMetrics()
	fmt.Printf("\nConsensus completed successfully in %.2f seconds!\n\n", processingTime.Seconds())

	fmt.Printf("Per-rater scores:\n")
	fmt.Printf("=================\n")
	for _, r := range metrics.Raters {
		fmt.Printf("%-20s dice=%.4f sensitivity=%.4f specificity=%.4f\n",
			r.Name, r.Dice, r.Sensitivity, r.Specificity)
	}

	fmt.Printf("\nSummary:\n")
	fmt.Printf("Mean Dice vs reference: %.4f (stddev %.4f)\n", metrics.MeanDice, metrics.DiceStdDev)
	fmt.Printf("Inter-rater agreement: %.4f\n", metrics.Agreement)
	fmt.Printf("EM iterations: %d\n", metrics.Iterations)
	fmt.Printf("Consensus foreground voxels: %d\n", metrics.ConsensusVoxels)

	if params.SaveConsensusSlices {
		fmt.Printf("\nConsensus slices saved to: %s\n", *outputDir)
	}
}
