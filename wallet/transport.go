package wallet

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Transport carries slate bytes to a counterparty and returns whatever the
// counterparty sends back. Transports move bytes only; they never touch
// wallet state, so a failed exchange leaves the wallet consistent.
type Transport interface {
	Send(slateBytes []byte) ([]byte, error)
}

// HTTPTransport posts a slate to a counterparty's listener and reads the
// responded slate from the reply body.
type HTTPTransport struct {
	URL     string
	Timeout time.Duration
}

func (t *HTTPTransport) Send(slateBytes []byte) ([]byte, error) {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	response, err := httpClient.Post(t.URL, "application/json", bytes.NewReader(slateBytes))
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrTransport, "counterparty returned %v", response.Status)
	}

	responseBytes, err := ioutil.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}

	return responseBytes, nil
}

// FileTransport writes the slate to OutFile and, when InFile is set, reads
// the counterparty's reply from it. With no InFile the exchange is
// one-way: the caller hands the file over out of band and feeds the reply
// back in a later command.
type FileTransport struct {
	OutFile string
	InFile  string
}

func (t *FileTransport) Send(slateBytes []byte) ([]byte, error) {
	err := ioutil.WriteFile(t.OutFile, slateBytes, 0644)
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}

	if t.InFile == "" {
		return nil, nil
	}

	responseBytes, err := ioutil.ReadFile(t.InFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrTransport, "no reply slate at %v", t.InFile)
		}
		return nil, errors.Wrap(ErrTransport, err.Error())
	}

	return responseBytes, nil
}

// LoopbackTransport exchanges slates with another wallet in process.
type LoopbackTransport struct {
	Receive func(slateBytes []byte) ([]byte, error)
}

func (t *LoopbackTransport) Send(slateBytes []byte) ([]byte, error) {
	responseBytes, err := t.Receive(slateBytes)
	if err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	return responseBytes, nil
}
