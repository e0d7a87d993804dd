package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"dispatchd/internal/app"
	"dispatchd/internal/booking"

	"github.com/spf13/cobra"
)

func newBookingCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "booking",
		Short: "Create, inspect, assign and cancel scheduled bookings",
	}
	cmd.AddCommand(newBookingCreateCmd(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Print one booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				b, err := a.Bookings().Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), b)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "assign <id> <driver-id>",
		Short: "Assign a driver to a pending or assigned booking",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				return a.Bookings().Assign(cmd.Context(), args[0], args[1])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a booking that has not been promoted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				return a.Bookings().Cancel(cmd.Context(), args[0])
			})
		},
	})
	return cmd
}

func newBookingCreateCmd(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a booking (and its recurring copies) from a JSON request",
		Example: `  dispatchd booking create -f ride.json
  echo '{"pickup":"41.88,-87.63","destination":"41.97,-87.90",...}' | dispatchd booking create -f -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readCreateRequest(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				res, err := a.Bookings().Create(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "request file, - for stdin")
	return cmd
}

func readCreateRequest(stdin io.Reader, file string) (booking.CreateRequest, error) {
	var r io.Reader = stdin
	if file != "-" && file != "" {
		f, err := os.Open(file)
		if err != nil {
			return booking.CreateRequest{}, err
		}
		defer f.Close()
		r = f
	}
	var req booking.CreateRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return booking.CreateRequest{}, fmt.Errorf("decode booking request: %w", err)
	}
	return req, nil
}
