package model

import "fmt"

// ProductStatus is the derived lifecycle status of a product.
type ProductStatus uint8

const (
	StatusCreated ProductStatus = iota
	StatusInTransit
	StatusDelivered
	StatusSold
	StatusRecalled
)

var productStatusNames = [...]string{"created", "in_transit", "delivered", "sold", "recalled"}

func (s ProductStatus) String() string {
	if int(s) < len(productStatusNames) {
		return productStatusNames[s]
	}
	return fmt.Sprintf("ProductStatus(%d)", uint8(s))
}

// ParseProductStatus is the inverse of ProductStatus.String.
func ParseProductStatus(s string) (ProductStatus, error) {
	for i, n := range productStatusNames {
		if n == s {
			return ProductStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown product status %q", s)
}

// CheckpointType is an open set of handling categories. The constants below are
// the known ones; any other non-empty value is stored verbatim.
type CheckpointType string

const (
	CheckpointManufacture CheckpointType = "manufacture"
	CheckpointShipping    CheckpointType = "shipping"
	CheckpointCustoms     CheckpointType = "customs"
	CheckpointWarehouse   CheckpointType = "warehouse"
	CheckpointRetail      CheckpointType = "retail"
	CheckpointDelivery    CheckpointType = "delivery"
	CheckpointTransfer    CheckpointType = "transfer"
	CheckpointRecall      CheckpointType = "recall"
)

// Reserved reports whether the type is only produced by register or recall.
func (t CheckpointType) Reserved() bool {
	return t == CheckpointManufacture || t == CheckpointRecall
}

// TransferStatus is the state of a transfer record. Everything but pending is terminal.
type TransferStatus uint8

const (
	TransferPending TransferStatus = iota
	TransferCompleted
	TransferRejected
	TransferCancelled
)

var transferStatusNames = [...]string{"pending", "completed", "rejected", "cancelled"}

func (s TransferStatus) String() string {
	if int(s) < len(transferStatusNames) {
		return transferStatusNames[s]
	}
	return fmt.Sprintf("TransferStatus(%d)", uint8(s))
}

// Terminal reports whether no further transition is permitted.
func (s TransferStatus) Terminal() bool { return s != TransferPending }

// ParseTransferStatus is the inverse of TransferStatus.String.
func ParseTransferStatus(s string) (TransferStatus, error) {
	for i, n := range transferStatusNames {
		if n == s {
			return TransferStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown transfer status %q", s)
}

// CertStatus is the stored status of a certification. Expiry is derived.
type CertStatus uint8

const (
	CertValid CertStatus = iota
	CertRevoked
)

func (s CertStatus) String() string {
	switch s {
	case CertValid:
		return "valid"
	case CertRevoked:
		return "revoked"
	}
	return fmt.Sprintf("CertStatus(%d)", uint8(s))
}

// ParseCertStatus is the inverse of CertStatus.String.
func ParseCertStatus(s string) (CertStatus, error) {
	switch s {
	case "valid":
		return CertValid, nil
	case "revoked":
		return CertRevoked, nil
	}
	return 0, fmt.Errorf("unknown certification status %q", s)
}
