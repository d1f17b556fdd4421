package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		switch cmd {
		case "train":
			if err := RunTrainCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "embed":
			if err := RunEmbedCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "models":
			for _, name := range BuiltinRegistry().Names() {
				fmt.Println(name)
			}
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	// Default: show help
	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  go run . [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train    Fine-tune a retrieval model on query/document pairs")
	fmt.Println("  embed    Embed text lines with a trained model")
	fmt.Println("  models   List built-in model configurations")
	fmt.Println("  help     Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  go run . train -pairs=pairs.tsv -epochs=3 -model=retrieval.bin")
	fmt.Println("  go run . train -pairs=pairs.tsv -batch=64 -checkpoint-batch=8")
	fmt.Println("  go run . embed -model=retrieval.bin -tokenizer=tok.txt -input=queries.txt -role=query")
	fmt.Println()
}
