package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/provenance/internal/convert"
	"github.com/and161185/provenance/internal/crypto"
	"github.com/and161185/provenance/internal/model"
)

func group(use, short string, sub ...*cobra.Command) *cobra.Command {
	c := &cobra.Command{Use: use, Short: short}
	c.AddCommand(sub...)
	return c
}

func required(c *cobra.Command, names ...string) {
	for _, n := range names {
		_ = c.MarkFlagRequired(n)
	}
}

// digestSource lets a digest be given as hex, as a file to hash, or as text to hash.
type digestSource struct {
	flag string
	hash string
	file string
	text string
}

func bindDigest(c *cobra.Command, flag, what string) *digestSource {
	d := &digestSource{flag: flag}
	c.Flags().StringVar(&d.hash, flag, "", what+" as 32-byte hex")
	c.Flags().StringVar(&d.file, flag+"-file", "", "hash this file ('-'=stdin) as the "+what)
	c.Flags().StringVar(&d.text, flag+"-text", "", "hash this text as the "+what)
	c.MarkFlagsMutuallyExclusive(flag, flag+"-file", flag+"-text")
	return d
}

// value returns the hex digest, or "" when no source was given.
func (d *digestSource) value() (string, error) {
	switch {
	case d.hash != "":
		h, err := model.ParseDigest(d.hash)
		if err != nil {
			return "", fmt.Errorf("--%s: %w", d.flag, err)
		}
		return h.String(), nil
	case d.file != "":
		if d.file == "-" {
			h, err := crypto.DigestReader(os.Stdin)
			return h.String(), err
		}
		f, err := os.Open(d.file)
		if err != nil {
			return "", err
		}
		defer f.Close()
		h, err := crypto.DigestReader(f)
		return h.String(), err
	case d.text != "":
		return crypto.DigestString(d.text).String(), nil
	}
	return "", nil
}

// ---- accounts ----

func (a *app) accountCmd() *cobra.Command {
	var identity, password string
	creds := func(c *cobra.Command) *cobra.Command {
		c.Flags().StringVarP(&identity, "identity", "u", "", "account identity")
		c.Flags().StringVarP(&password, "password", "p", "", "password")
		required(c, "identity", "password")
		return c
	}

	register := creds(&cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.call(cmd.Context(), "Register", map[string]any{"identity": identity, "password": password}, true)
			if err != nil {
				return err
			}
			return a.print(out)
		},
	})

	login := creds(&cobra.Command{
		Use:   "login",
		Short: "Log in and save the access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.call(cmd.Context(), "Login", map[string]any{"identity": identity, "password": password}, true)
			if err != nil {
				return err
			}
			exp, err := time.Parse(time.RFC3339, convert.String(out, "expires_at"))
			if err != nil {
				return fmt.Errorf("bad expires_at: %w", err)
			}
			if err := saveToken(tokenFile{Identity: identity, AccessToken: convert.String(out, "access_token"), ExpiresAt: exp}); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "logged in as %s until %s\n", identity, exp.Format(time.RFC3339))
			return nil
		},
	})

	return group("account", "Accounts and login", register, login)
}

// ---- products ----

func (a *app) productCmd() *cobra.Command {
	var (
		pid                                   uint64
		name, desc, batch, ptype, origin, uri string
		reason, location                      string
		expected                              uint64
	)
	productFlag := func(c *cobra.Command) *cobra.Command {
		c.Flags().Uint64Var(&pid, "product", 0, "product id")
		required(c, "product")
		return c
	}

	register := &cobra.Command{
		Use:   "register",
		Short: "Register a product manufactured by the caller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{
				"name": name, "description": desc, "batch_number": batch,
				"product_type": ptype, "origin_location": origin,
			}
			if cmd.Flags().Changed("uri") {
				req["product_uri"] = uri
			}
			return a.run(cmd, "RegisterProduct", req)
		},
	}
	register.Flags().StringVar(&name, "name", "", "product name")
	register.Flags().StringVar(&desc, "description", "", "description")
	register.Flags().StringVar(&batch, "batch", "", "batch number")
	register.Flags().StringVar(&ptype, "type", "", "product type")
	register.Flags().StringVar(&origin, "origin", "", "origin location")
	register.Flags().StringVar(&uri, "uri", "", "product metadata URI")
	required(register, "name")

	get := productFlag(&cobra.Command{
		Use:   "get",
		Short: "Show a product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "GetProduct", map[string]any{"product_id": convert.U(pid)})
		},
	})
	verify := productFlag(&cobra.Command{
		Use:   "verify",
		Short: "Show registration metadata of a product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "VerifyAuthenticity", map[string]any{"product_id": convert.U(pid)})
		},
	})
	recall := productFlag(&cobra.Command{
		Use:   "recall",
		Short: "Recall a product (manufacturer only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "RecallProduct", map[string]any{"product_id": convert.U(pid), "reason": reason})
		},
	})
	recall.Flags().StringVar(&reason, "reason", "", "recall reason")

	delivery := productFlag(&cobra.Command{
		Use:   "delivery",
		Short: "Set delivery location and expected time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "SetDeliveryInfo", map[string]any{
				"product_id": convert.U(pid), "delivery_location": location, "expected_delivery_time": convert.U(expected),
			})
		},
	})
	delivery.Flags().StringVar(&location, "location", "", "delivery location")
	delivery.Flags().Uint64Var(&expected, "expected", 0, "expected delivery time")
	required(delivery, "location", "expected")

	return group("product", "Products", register, get, verify, recall, delivery)
}

// ---- checkpoints ----

func (a *app) checkpointCmd() *cobra.Command {
	var (
		pid, cid              uint64
		typ, location, notes  string
		temperature, humidity float64
	)

	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append a checkpoint to a product's history",
	}
	att := bindDigest(appendCmd, "attestation", "attestation digest")
	appendCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		req := map[string]any{"product_id": convert.U(pid), "type": typ, "location": location}
		f := cmd.Flags()
		if f.Changed("temperature") {
			req["temperature"] = temperature
		}
		if f.Changed("humidity") {
			req["humidity"] = humidity
		}
		if f.Changed("notes") {
			req["notes"] = notes
		}
		h, err := att.value()
		if err != nil {
			return err
		}
		if h != "" {
			req["attestation_hash"] = h
		}
		return a.run(cmd, "AppendCheckpoint", req)
	}
	appendCmd.Flags().Uint64Var(&pid, "product", 0, "product id")
	appendCmd.Flags().StringVar(&typ, "type", "", "checkpoint type (shipping, receiving, inspection, ...)")
	appendCmd.Flags().StringVar(&location, "location", "", "location")
	appendCmd.Flags().Float64Var(&temperature, "temperature", 0, "temperature reading")
	appendCmd.Flags().Float64Var(&humidity, "humidity", 0, "humidity reading")
	appendCmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	required(appendCmd, "product", "type")

	get := &cobra.Command{
		Use:   "get",
		Short: "Show one checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "GetCheckpoint", map[string]any{"product_id": convert.U(pid), "checkpoint_id": convert.U(cid)})
		},
	}
	get.Flags().Uint64Var(&pid, "product", 0, "product id")
	get.Flags().Uint64Var(&cid, "checkpoint", 0, "checkpoint id")
	required(get, "product", "checkpoint")

	list := &cobra.Command{
		Use:   "list",
		Short: "List a product's checkpoints in order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "ListCheckpoints", map[string]any{"product_id": convert.U(pid)})
		},
	}
	list.Flags().Uint64Var(&pid, "product", 0, "product id")
	required(list, "product")

	return group("checkpoint", "Checkpoint history", appendCmd, get, list)
}

// ---- verifiers ----

func (a *app) verifierCmd() *cobra.Command {
	var verifier, name, role, org string

	authorize := &cobra.Command{
		Use:   "authorize",
		Short: "Authorize a verifier for the calling organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "AuthorizeVerifier", map[string]any{"verifier": verifier, "verifier_name": name, "role": role})
		},
	}
	authorize.Flags().StringVar(&verifier, "verifier", "", "verifier identity")
	authorize.Flags().StringVar(&name, "name", "", "display name")
	authorize.Flags().StringVar(&role, "role", "", "role")
	required(authorize, "verifier")

	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a verifier of the calling organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "RevokeVerifier", map[string]any{"verifier": verifier})
		},
	}
	revoke.Flags().StringVar(&verifier, "verifier", "", "verifier identity")
	required(revoke, "verifier")

	pair := func(c *cobra.Command) *cobra.Command {
		c.Flags().StringVar(&org, "org", "", "organization identity")
		c.Flags().StringVar(&verifier, "verifier", "", "verifier identity")
		required(c, "org", "verifier")
		return c
	}
	check := pair(&cobra.Command{
		Use:   "check",
		Short: "Report whether a verifier is active for an organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "IsAuthorized", map[string]any{"organization": org, "verifier": verifier})
		},
	})
	get := pair(&cobra.Command{
		Use:   "get",
		Short: "Show an authorization entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "GetAuthorization", map[string]any{"organization": org, "verifier": verifier})
		},
	})

	return group("verifier", "Organization verifier allow-list", authorize, revoke, check, get)
}

// ---- transfers ----

func (a *app) transferCmd() *cobra.Command {
	var (
		pid, tid               uint64
		to, conditions, reason string
	)
	ref := func(c *cobra.Command) *cobra.Command {
		c.Flags().Uint64Var(&pid, "product", 0, "product id")
		c.Flags().Uint64Var(&tid, "transfer", 0, "transfer id")
		required(c, "product", "transfer")
		return c
	}
	refReq := func() map[string]any {
		return map[string]any{"product_id": convert.U(pid), "transfer_id": convert.U(tid)}
	}

	initiate := &cobra.Command{
		Use:   "initiate",
		Short: "Offer custody of a product to another identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{"product_id": convert.U(pid), "transferee": to}
			if cmd.Flags().Changed("conditions") {
				req["conditions"] = conditions
			}
			return a.run(cmd, "InitiateTransfer", req)
		},
	}
	initiate.Flags().Uint64Var(&pid, "product", 0, "product id")
	initiate.Flags().StringVar(&to, "to", "", "transferee identity")
	initiate.Flags().StringVar(&conditions, "conditions", "", "transfer conditions")
	required(initiate, "product", "to")

	accept := ref(&cobra.Command{
		Use:   "accept",
		Short: "Accept a pending transfer",
		RunE:  func(cmd *cobra.Command, _ []string) error { return a.run(cmd, "AcceptTransfer", refReq()) },
	})
	reject := ref(&cobra.Command{
		Use:   "reject",
		Short: "Reject a pending transfer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := refReq()
			req["reason"] = reason
			return a.run(cmd, "RejectTransfer", req)
		},
	})
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cancel := ref(&cobra.Command{
		Use:   "cancel",
		Short: "Cancel a transfer you initiated",
		RunE:  func(cmd *cobra.Command, _ []string) error { return a.run(cmd, "CancelTransfer", refReq()) },
	})
	get := ref(&cobra.Command{
		Use:   "get",
		Short: "Show a transfer",
		RunE:  func(cmd *cobra.Command, _ []string) error { return a.run(cmd, "GetTransfer", refReq()) },
	})

	return group("transfer", "Custody transfers", initiate, accept, reject, cancel, get)
}

// ---- certifications ----

func (a *app) certCmd() *cobra.Command {
	var (
		pid, expires uint64
		typ, uri     string
	)
	key := func(c *cobra.Command) *cobra.Command {
		c.Flags().Uint64Var(&pid, "product", 0, "product id")
		c.Flags().StringVar(&typ, "type", "", "certification type")
		required(c, "product", "type")
		return c
	}
	keyReq := func() map[string]any { return map[string]any{"product_id": convert.U(pid), "cert_type": typ} }

	add := key(&cobra.Command{
		Use:   "add",
		Short: "Attach a compliance certification to a product",
	})
	hash := bindDigest(add, "hash", "certificate digest")
	add.Flags().Uint64Var(&expires, "expires", 0, "expiration time")
	add.Flags().StringVar(&uri, "uri", "", "certificate URI")
	required(add, "expires")
	add.RunE = func(cmd *cobra.Command, _ []string) error {
		req := keyReq()
		req["expiration_time"] = convert.U(expires)
		if cmd.Flags().Changed("uri") {
			req["cert_uri"] = uri
		}
		h, err := hash.value()
		if err != nil {
			return err
		}
		if h != "" {
			req["cert_hash"] = h
		}
		return a.run(cmd, "AddCertification", req)
	}

	revoke := key(&cobra.Command{
		Use:   "revoke",
		Short: "Revoke a certification you issued",
		RunE:  func(cmd *cobra.Command, _ []string) error { return a.run(cmd, "RevokeCertification", keyReq()) },
	})
	get := key(&cobra.Command{
		Use:   "get",
		Short: "Show a certification",
		RunE:  func(cmd *cobra.Command, _ []string) error { return a.run(cmd, "GetCertification", keyReq()) },
	})
	valid := key(&cobra.Command{
		Use:   "valid",
		Short: "Report whether a certification is unrevoked and unexpired",
		RunE:  func(cmd *cobra.Command, _ []string) error { return a.run(cmd, "IsCertificationValid", keyReq()) },
	})

	return group("cert", "Compliance certifications", add, revoke, get, valid)
}

// ---- events ----

func (a *app) eventsCmd() *cobra.Command {
	var (
		pid   uint64
		kinds []string
		limit int
	)
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream ledger events until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := loadToken()
			if err != nil {
				return err
			}
			req := map[string]any{}
			if cmd.Flags().Changed("product") {
				req["product_id"] = convert.U(pid)
			}
			if len(kinds) > 0 {
				ks := make([]any, len(kinds))
				for i, k := range kinds {
					ks[i] = k
				}
				req["kinds"] = ks
			}
			msg, err := structpb.NewStruct(req)
			if err != nil {
				return err
			}

			cc, cli, err := a.dial(token)
			if err != nil {
				return err
			}
			defer cc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			stream, err := cli.Watch(ctx, msg)
			if err != nil {
				return err
			}
			for n := 0; limit <= 0 || n < limit; n++ {
				ev, err := stream.Recv()
				if err != nil {
					if errors.Is(err, io.EOF) || errors.Is(ctx.Err(), context.Canceled) {
						return nil
					}
					return err
				}
				if err := a.print(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	watch.Flags().Uint64Var(&pid, "product", 0, "only events of this product")
	watch.Flags().StringSliceVar(&kinds, "kind", nil, "only these event kinds (repeatable)")
	watch.Flags().IntVar(&limit, "limit", 0, "stop after this many events (0 = unlimited)")

	return group("events", "Ledger event feed", watch)
}
