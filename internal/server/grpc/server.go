// Package grpcserver exposes the provenance ledger over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/provenance/internal/convert"
	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/events"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/service"
)

// Ledger is the provenance core as seen by the transport.
type Ledger interface {
	Register(ctx context.Context, caller model.Identity, in service.RegisterInput) (uint64, error)
	Product(ctx context.Context, productID uint64) (model.Product, error)
	SetDeliveryInfo(ctx context.Context, caller model.Identity, productID uint64, location string, expected uint64) error
	Recall(ctx context.Context, caller model.Identity, productID uint64, reason string) (uint64, error)
	VerifyAuthenticity(ctx context.Context, productID uint64) (model.Authenticity, error)

	AppendCheckpoint(ctx context.Context, caller model.Identity, in service.CheckpointInput) (uint64, error)
	Checkpoint(ctx context.Context, productID, checkpointID uint64) (model.Checkpoint, error)
	Checkpoints(ctx context.Context, productID uint64) ([]model.Checkpoint, error)

	Authorize(ctx context.Context, org, verifier model.Identity, name, role string) error
	RevokeVerifier(ctx context.Context, org, verifier model.Identity) error
	IsAuthorized(ctx context.Context, org, verifier model.Identity) (bool, error)
	Authorization(ctx context.Context, org, verifier model.Identity) (model.Authorization, error)

	InitiateTransfer(ctx context.Context, caller model.Identity, productID uint64, transferee model.Identity, conditions *string) (uint64, error)
	AcceptTransfer(ctx context.Context, caller model.Identity, productID, transferID uint64) error
	RejectTransfer(ctx context.Context, caller model.Identity, productID, transferID uint64, reason string) error
	CancelTransfer(ctx context.Context, caller model.Identity, productID, transferID uint64) error
	Transfer(ctx context.Context, productID, transferID uint64) (model.Transfer, error)

	AddCertification(ctx context.Context, caller model.Identity, in service.CertificationInput) error
	RevokeCertification(ctx context.Context, caller model.Identity, productID uint64, certType string) error
	Certification(ctx context.Context, productID uint64, certType string) (model.Certification, error)
	IsCertificationValid(ctx context.Context, productID uint64, certType string) (bool, error)
}

var _ Ledger = (*service.Provenance)(nil)

// Feed hands out live event subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, filter func(events.Event) bool) <-chan events.Event
}

// Server wires services into gRPC handlers.
type Server struct {
	auth   service.AuthService
	ledger Ledger
	feed   Feed
	log    *zap.Logger
}

// New constructs a gRPC server with injected services. feed may be nil, in
// which case WatchEvents is unavailable.
func New(auth service.AuthService, ledger Ledger, feed Feed, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, ledger: ledger, feed: feed, log: log}
}

// toStatus maps sentinel errors to gRPC codes.
func (s *Server) toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, errs.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errs.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	s.log.Error("internal error", zap.String("op", op), zap.Error(err))
	return status.Errorf(codes.Internal, "%s: internal error", op)
}

func caller(ctx context.Context) (model.Identity, error) {
	id, ok := IdentityFromCtx(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

func badRequest(err error) error { return status.Error(codes.InvalidArgument, err.Error()) }

// --- Accounts ---

// Register creates a login account for an identity.
func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, pw := convert.Identity(req, "identity"), convert.String(req, "password")
	if id == "" || pw == "" {
		return nil, status.Error(codes.InvalidArgument, "empty identity/password")
	}
	accountID, err := s.auth.Register(ctx, id, pw)
	if err != nil {
		return nil, s.toStatus("register", err)
	}
	return structpb.NewStruct(map[string]any{"account_id": accountID})
}

// Login authenticates an identity and returns a bearer token.
func (s *Server) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tok, err := s.auth.LoginWithIP(ctx, convert.Identity(req, "identity"), convert.String(req, "password"), peerIP(ctx))
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			return nil, status.Error(codes.Unauthenticated, "bad credentials")
		}
		return nil, s.toStatus("login", err)
	}
	return convert.Token(tok), nil
}

// --- Products ---

// RegisterProduct registers a product owned and manufactured by the caller.
func (s *Server) RegisterProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := s.ledger.Register(ctx, who, service.RegisterInput{
		Name:           convert.String(req, "name"),
		Description:    convert.String(req, "description"),
		BatchNumber:    convert.String(req, "batch_number"),
		ProductType:    convert.String(req, "product_type"),
		OriginLocation: convert.String(req, "origin_location"),
		ProductURI:     convert.OptString(req, "product_uri"),
	})
	if err != nil {
		return nil, s.toStatus("register product", err)
	}
	return convert.ID("product_id", id), nil
}

// GetProduct returns a product record.
func (s *Server) GetProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	p, err := s.ledger.Product(ctx, pid)
	if err != nil {
		return nil, s.toStatus("get product", err)
	}
	return convert.Product(p), nil
}

// VerifyAuthenticity echoes registration metadata of a product.
func (s *Server) VerifyAuthenticity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	a, err := s.ledger.VerifyAuthenticity(ctx, pid)
	if err != nil {
		return nil, s.toStatus("verify authenticity", err)
	}
	return convert.Authenticity(a), nil
}

// SetDeliveryInfo updates the delivery destination and expected time.
func (s *Server) SetDeliveryInfo(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	expected, err := convert.Uint(req, "expected_delivery_time")
	if err != nil {
		return nil, badRequest(err)
	}
	if err := s.ledger.SetDeliveryInfo(ctx, who, pid, convert.String(req, "delivery_location"), expected); err != nil {
		return nil, s.toStatus("set delivery info", err)
	}
	return convert.Empty(), nil
}

// RecallProduct recalls a product and returns the recall checkpoint id.
func (s *Server) RecallProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	id, err := s.ledger.Recall(ctx, who, pid, convert.String(req, "reason"))
	if err != nil {
		return nil, s.toStatus("recall", err)
	}
	return convert.ID("checkpoint_id", id), nil
}

// --- Checkpoints ---

// AppendCheckpoint records a handling event.
func (s *Server) AppendCheckpoint(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	in, err := checkpointInput(req)
	if err != nil {
		return nil, badRequest(err)
	}
	id, err := s.ledger.AppendCheckpoint(ctx, who, in)
	if err != nil {
		return nil, s.toStatus("append checkpoint", err)
	}
	return convert.ID("checkpoint_id", id), nil
}

func checkpointInput(req *structpb.Struct) (service.CheckpointInput, error) {
	var (
		in  service.CheckpointInput
		err error
	)
	if in.ProductID, err = convert.Uint(req, "product_id"); err != nil {
		return in, err
	}
	if in.Temperature, err = convert.OptFloat(req, "temperature"); err != nil {
		return in, err
	}
	if in.Humidity, err = convert.OptFloat(req, "humidity"); err != nil {
		return in, err
	}
	if in.AttestationHash, err = convert.Digest(req, "attestation_hash"); err != nil {
		return in, err
	}
	in.Location = convert.String(req, "location")
	in.Type = model.CheckpointType(convert.String(req, "type"))
	in.Notes = convert.OptString(req, "notes")
	return in, nil
}

// GetCheckpoint returns one checkpoint.
func (s *Server) GetCheckpoint(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	cid, err := convert.Uint(req, "checkpoint_id")
	if err != nil {
		return nil, badRequest(err)
	}
	c, err := s.ledger.Checkpoint(ctx, pid, cid)
	if err != nil {
		return nil, s.toStatus("get checkpoint", err)
	}
	return convert.Checkpoint(c), nil
}

// ListCheckpoints returns a product's history in order.
func (s *Server) ListCheckpoints(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	cs, err := s.ledger.Checkpoints(ctx, pid)
	if err != nil {
		return nil, s.toStatus("list checkpoints", err)
	}
	return convert.Checkpoints(cs), nil
}

// --- Verifiers ---

// AuthorizeVerifier adds or re-activates a verifier for the calling organization.
func (s *Server) AuthorizeVerifier(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	v := convert.Identity(req, "verifier")
	if v == "" {
		return nil, status.Error(codes.InvalidArgument, "empty verifier")
	}
	if err := s.ledger.Authorize(ctx, who, v, convert.String(req, "verifier_name"), convert.String(req, "role")); err != nil {
		return nil, s.toStatus("authorize verifier", err)
	}
	return convert.Empty(), nil
}

// RevokeVerifier deactivates a verifier of the calling organization.
func (s *Server) RevokeVerifier(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.RevokeVerifier(ctx, who, convert.Identity(req, "verifier")); err != nil {
		return nil, s.toStatus("revoke verifier", err)
	}
	return convert.Empty(), nil
}

// IsAuthorized reports whether verifier is active for organization.
func (s *Server) IsAuthorized(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ok, err := s.ledger.IsAuthorized(ctx, convert.Identity(req, "organization"), convert.Identity(req, "verifier"))
	if err != nil {
		return nil, s.toStatus("is authorized", err)
	}
	return convert.Bool("authorized", ok), nil
}

// GetAuthorization returns an allow-list entry.
func (s *Server) GetAuthorization(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a, err := s.ledger.Authorization(ctx, convert.Identity(req, "organization"), convert.Identity(req, "verifier"))
	if err != nil {
		return nil, s.toStatus("get authorization", err)
	}
	return convert.Authorization(a), nil
}

// --- Transfers ---

// InitiateTransfer opens a pending transfer from the caller.
func (s *Server) InitiateTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	id, err := s.ledger.InitiateTransfer(ctx, who, pid, convert.Identity(req, "transferee"), convert.OptString(req, "conditions"))
	if err != nil {
		return nil, s.toStatus("initiate transfer", err)
	}
	return convert.ID("transfer_id", id), nil
}

func transferRef(req *structpb.Struct) (pid, tid uint64, err error) {
	if pid, err = convert.Uint(req, "product_id"); err != nil {
		return 0, 0, err
	}
	if tid, err = convert.Uint(req, "transfer_id"); err != nil {
		return 0, 0, err
	}
	return pid, tid, nil
}

// AcceptTransfer completes a pending transfer to the caller.
func (s *Server) AcceptTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	pid, tid, err := transferRef(req)
	if err != nil {
		return nil, badRequest(err)
	}
	if err := s.ledger.AcceptTransfer(ctx, who, pid, tid); err != nil {
		return nil, s.toStatus("accept transfer", err)
	}
	return convert.Empty(), nil
}

// RejectTransfer declines a pending transfer addressed to the caller.
func (s *Server) RejectTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	pid, tid, err := transferRef(req)
	if err != nil {
		return nil, badRequest(err)
	}
	if err := s.ledger.RejectTransfer(ctx, who, pid, tid, convert.String(req, "reason")); err != nil {
		return nil, s.toStatus("reject transfer", err)
	}
	return convert.Empty(), nil
}

// CancelTransfer withdraws a pending transfer started by the caller.
func (s *Server) CancelTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	pid, tid, err := transferRef(req)
	if err != nil {
		return nil, badRequest(err)
	}
	if err := s.ledger.CancelTransfer(ctx, who, pid, tid); err != nil {
		return nil, s.toStatus("cancel transfer", err)
	}
	return convert.Empty(), nil
}

// GetTransfer returns a transfer record.
func (s *Server) GetTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, tid, err := transferRef(req)
	if err != nil {
		return nil, badRequest(err)
	}
	t, err := s.ledger.Transfer(ctx, pid, tid)
	if err != nil {
		return nil, s.toStatus("get transfer", err)
	}
	return convert.Transfer(t), nil
}

// --- Certifications ---

// AddCertification writes the (product, type) compliance record.
func (s *Server) AddCertification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	in := service.CertificationInput{
		Type:    convert.String(req, "cert_type"),
		CertURI: convert.OptString(req, "cert_uri"),
	}
	if in.ProductID, err = convert.Uint(req, "product_id"); err != nil {
		return nil, badRequest(err)
	}
	if in.ExpirationTime, err = convert.Uint(req, "expiration_time"); err != nil {
		return nil, badRequest(err)
	}
	if in.CertHash, err = convert.Digest(req, "cert_hash"); err != nil {
		return nil, badRequest(err)
	}
	if err := s.ledger.AddCertification(ctx, who, in); err != nil {
		return nil, s.toStatus("add certification", err)
	}
	return convert.Empty(), nil
}

// RevokeCertification revokes a record the caller issued.
func (s *Server) RevokeCertification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	who, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	if err := s.ledger.RevokeCertification(ctx, who, pid, convert.String(req, "cert_type")); err != nil {
		return nil, s.toStatus("revoke certification", err)
	}
	return convert.Empty(), nil
}

// GetCertification returns the stored record.
func (s *Server) GetCertification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	c, err := s.ledger.Certification(ctx, pid, convert.String(req, "cert_type"))
	if err != nil {
		return nil, s.toStatus("get certification", err)
	}
	return convert.Certification(c), nil
}

// IsCertificationValid reports whether the record is unrevoked and unexpired.
func (s *Server) IsCertificationValid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := convert.Uint(req, "product_id")
	if err != nil {
		return nil, badRequest(err)
	}
	ok, err := s.ledger.IsCertificationValid(ctx, pid, convert.String(req, "cert_type"))
	if err != nil {
		return nil, s.toStatus("is certification valid", err)
	}
	return convert.Bool("valid", ok), nil
}

// --- Events ---

// WatchEvents streams committed events, optionally narrowed to one product
// and a set of kinds, until the client goes away.
func (s *Server) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	if _, err := caller(ctx); err != nil {
		return err
	}
	if s.feed == nil {
		return status.Error(codes.Unimplemented, "event feed disabled")
	}
	filter, err := eventFilter(req)
	if err != nil {
		return badRequest(err)
	}
	for ev := range s.feed.Subscribe(ctx, filter) {
		if err := stream.SendMsg(convert.Event(ev)); err != nil {
			return err
		}
	}
	return nil
}

func eventFilter(req *structpb.Struct) (func(events.Event) bool, error) {
	pid, err := convert.OptUint(req, "product_id")
	if err != nil {
		return nil, err
	}
	kinds := map[events.Kind]bool{}
	for _, v := range req.GetFields()["kinds"].GetListValue().GetValues() {
		kinds[events.Kind(v.GetStringValue())] = true
	}
	return func(ev events.Event) bool {
		if pid != nil && (ev.ProductID == nil || *ev.ProductID != *pid) {
			return false
		}
		return len(kinds) == 0 || kinds[ev.Kind]
	}, nil
}
