package memory

import "github.com/and161185/provenance/internal/model"

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneProduct(p model.Product) model.Product {
	p.DeliveryLocation = clonePtr(p.DeliveryLocation)
	p.ExpectedDeliveryTime = clonePtr(p.ExpectedDeliveryTime)
	p.ProductURI = clonePtr(p.ProductURI)
	return p
}

func cloneCheckpoint(c model.Checkpoint) model.Checkpoint {
	c.Temperature = clonePtr(c.Temperature)
	c.Humidity = clonePtr(c.Humidity)
	c.Notes = clonePtr(c.Notes)
	return c
}

func cloneTransfer(t model.Transfer) model.Transfer {
	t.CompletedAt = clonePtr(t.CompletedAt)
	t.Conditions = clonePtr(t.Conditions)
	return t
}

func cloneCert(c model.Certification) model.Certification {
	c.CertURI = clonePtr(c.CertURI)
	return c
}
