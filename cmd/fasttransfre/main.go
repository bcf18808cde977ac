package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/AkaakuHub/fast-transfre/fasttransfre"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/logger"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/peerlink"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/rendezvous"
)

var (
	signalURL  string
	verbose    bool
	noProgress bool
	serveAddr  string
	outputDir  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fasttransfre",
		Short: "Peer-to-peer large file transfer paired by a short room code",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetLogLevel(logger.LogLevelDebug)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&signalURL, "signal", "ws://localhost:3000/ws", "Rendezvous service URL")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rendezvous service",
		Args:  cobra.NoArgs,
		Run:   runServe,
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", rendezvous.DefaultAddr, "Listen address")

	// send command
	sendCmd := &cobra.Command{
		Use:   "send FILE",
		Short: "Send a file; prints the room code for the receiver",
		Args:  cobra.ExactArgs(1),
		Run:   runSend,
	}
	sendCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	// receive command
	receiveCmd := &cobra.Command{
		Use:   "receive CODE",
		Short: "Receive a file from the peer hosting the given room code",
		Args:  cobra.ExactArgs(1),
		Run:   runReceive,
	}
	receiveCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Output directory")
	receiveCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	rootCmd.AddCommand(serveCmd, sendCmd, receiveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	server := rendezvous.NewServer()
	if err := server.ListenAndServe(ctx, serveAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSend(cmd *cobra.Command, args []string) {
	path := args[0]
	ctx, cancel := signalContext()
	defer cancel()

	src, err := fasttransfre.OpenFileSource(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", path, err)
		os.Exit(1)
	}
	defer src.Close()

	rc, err := rendezvous.Dial(ctx, signalURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reaching rendezvous service: %v\n", err)
		os.Exit(1)
	}
	defer rc.Close()

	code, err := rc.CreateRoom(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating room: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Room code: %s\n", code)
	fmt.Println("Waiting for the receiver to join...")

	if _, err := rc.WaitClientJoined(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error waiting for peer: %v\n", err)
		os.Exit(1)
	}

	ch, err := peerlink.HostChannel(ctx, rc, peerlink.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error establishing data channel: %v\n", err)
		os.Exit(1)
	}
	defer ch.Close()

	session, err := fasttransfre.NewSenderSession(fasttransfre.DataChannelConfig(), ch, src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	attachProgress(session, fmt.Sprintf("Sending %s", src.Name()))

	if err := session.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}

	stats := session.Stats()
	fmt.Printf("\nSent %s (%d bytes, %d/%d sub-chunks acked)\n",
		src.Name(), stats.BytesCompleted, stats.SubChunksAcked, stats.SubChunksTotal)
}

func runReceive(cmd *cobra.Command, args []string) {
	code := args[0]
	ctx, cancel := signalContext()
	defer cancel()

	rc, err := rendezvous.Dial(ctx, signalURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reaching rendezvous service: %v\n", err)
		os.Exit(1)
	}
	defer rc.Close()

	if err := rc.JoinRoom(ctx, code); err != nil {
		fmt.Fprintf(os.Stderr, "Error joining room %s: %v\n", code, err)
		os.Exit(1)
	}

	ch, err := peerlink.JoinChannel(ctx, rc, peerlink.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error establishing data channel: %v\n", err)
		os.Exit(1)
	}
	defer ch.Close()

	sink := fasttransfre.NewFileSink(outputDir)
	session := fasttransfre.NewReceiverSession(fasttransfre.DataChannelConfig(), ch, sink)
	attachProgress(session, "Receiving")

	if err := session.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}

	stats := session.Stats()
	fmt.Printf("\nReceived %s (%d bytes) into %s\n", stats.FileName, stats.TotalBytes, sink.Path())
}

// attachProgress wires a progress bar to the session's stats snapshots. The
// bar is created lazily once the total size is known.
func attachProgress(session *fasttransfre.Session, label string) {
	if noProgress {
		return
	}
	var bar *progressbar.ProgressBar
	session.OnProgress(func(stats fasttransfre.TransferStats) {
		if bar == nil && stats.TotalBytes > 0 {
			bar = progressbar.DefaultBytes(stats.TotalBytes, label)
		}
		if bar != nil {
			bar.Set64(stats.BytesCompleted)
		}
	})
}
