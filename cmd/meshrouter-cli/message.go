package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
)

const maxPrintedPayload = 256

func newMessageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "message",
		Short:       "Encode and inspect message envelopes",
		Long:        "Offline tools for the binary envelope format; no server is contacted.",
		Annotations: map[string]string{"offline": "true"},
	}

	cmd.AddCommand(newMessageEncodeCommand())
	cmd.AddCommand(newMessageInspectCommand())

	return cmd
}

func newMessageEncodeCommand() *cobra.Command {
	var (
		msgType   string
		sender    string
		recipient string
		ttl       time.Duration
		payload   string
		headers   map[string]string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Write one envelope, appending to --out when it exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mm := message.NewMutable(message.Type(msgType), sender, recipient, ttl, []byte(payload))
			for k, v := range headers {
				mm.Headers[k] = v
			}
			msg, err := mm.Immutable()
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(msg.Bytes())
				return err
			}
			f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			if _, err := f.Write(msg.Bytes()); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote message %s (%d bytes) to %s\n", msg.ID(), msg.Size(), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&msgType, "type", string(message.TypeOneWay), "Message type")
	cmd.Flags().StringVar(&sender, "sender", "", "Sending participant id")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient participant or multicast id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Minute, "Time to live")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload text")
	cmd.Flags().StringToStringVar(&headers, "header", nil, "Custom headers as key=value")
	cmd.Flags().StringVarP(&output, "out", "o", "", "Output file, stdout when empty")
	cmd.MarkFlagRequired("recipient")

	return cmd
}

func newMessageInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [file]",
		Short: "Split concatenated envelopes and print them",
		Long:  "Read a frame of concatenated envelopes from file, or stdin when omitted, and print every message.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			messages, splitErr := message.Split(data)
			out := cmd.OutOrStdout()
			for i, msg := range messages {
				printMessage(out, i+1, msg)
			}
			fmt.Fprintf(out, "%d message(s)\n", len(messages))
			return splitErr
		},
	}
}

func printMessage(out io.Writer, n int, msg *message.Message) {
	fmt.Fprintf(out, "%d. %s\n", n, msg.ID())
	fmt.Fprintf(out, "   Type: %s\n", msg.Type())
	fmt.Fprintf(out, "   Sender: %s\n", msg.Sender())
	fmt.Fprintf(out, "   Recipient: %s\n", msg.Recipient())
	fmt.Fprintf(out, "   Expires: %s\n", msg.ExpiryDate().UTC().Format(time.RFC3339))
	if replyTo, ok := msg.ReplyTo(); ok {
		fmt.Fprintf(out, "   Reply to: %s\n", replyTo)
	}

	headers := msg.Headers()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == message.HeaderReplyTo {
			continue
		}
		fmt.Fprintf(out, "   Header %s: %s\n", k, headers[k])
	}

	payload := msg.Payload()
	fmt.Fprintf(out, "   Payload: %d bytes", len(payload))
	if len(payload) > 0 && utf8.Valid(payload) {
		shown := payload
		if len(shown) > maxPrintedPayload {
			shown = append(bytes.Clone(shown[:maxPrintedPayload]), "..."...)
		}
		fmt.Fprintf(out, " %q", shown)
	}
	fmt.Fprintln(out)
}
