package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_sync/internal/health"
)

var grpcAddr string

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the worker events endpoint",
	Long:  `Send an authenticated ping to verify the worker is running and accepts your credentials.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", "/v1/ping", nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeResponse(resp, &body); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), body)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pong! Worker is running: %s\n", body.Message)
		return nil
	},
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the worker",
	Long: `Check the health status of the worker. By default the HTTP /healthz
endpoint is used; pass --grpc to query the gRPC health service instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if grpcAddr != "" {
			status, err := checkGRPCHealth(cmd.Context(), grpcAddr)
			if err != nil {
				fmt.Fprintf(out, "✗ Worker is unhealthy: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "✓ Worker health (gRPC): %s\n", status)
			return nil
		}

		resp, err := makeHTTPRequest("GET", "/healthz", nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		var st health.Status
		err = decodeResponse(resp, &st)
		if outputJSON {
			printOutput(out, st)
			return nil
		}
		if err != nil || !st.OK {
			fmt.Fprintf(out, "✗ Worker is unhealthy: %s\n", st.Message)
			for name, ok := range st.Checks {
				if !ok {
					fmt.Fprintf(out, "  - %s: down\n", name)
				}
			}
			return nil
		}
		fmt.Fprintln(out, "✓ Worker is healthy")
		return nil
	},
}

func checkGRPCHealth(ctx context.Context, addr string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return "", err
	}
	return resp.GetStatus().String(), nil
}

func init() {
	healthCmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC health address (host:port); uses HTTP when empty")
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(healthCmd)
}
