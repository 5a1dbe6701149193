package pcsc

import (
	"time"

	"github.com/ebfe/scard"
)

// Card is the part of a connected *scard.Card the driver uses.
type Card interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (*scard.CardStatus, error)
	Disconnect(d scard.Disposition) error
}

// Context is the part of a *scard.Context the driver uses.
type Context interface {
	ListReaders() ([]string, error)
	GetStatusChange(rs []scard.ReaderState, timeout time.Duration) error
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error)
	Cancel() error
	Release() error
}

type scardContext struct {
	*scard.Context
}

func (c *scardContext) Connect(
	reader string,
	mode scard.ShareMode,
	proto scard.Protocol,
) (Card, error) {
	card, err := c.Context.Connect(reader, mode, proto)
	if err != nil {
		return nil, err
	}
	return card, nil
}

// EstablishContext opens a connection to the PC/SC daemon.
func EstablishContext() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &scardContext{ctx}, nil
}
