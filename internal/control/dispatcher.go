package control

import (
	"context"
	"fmt"

	errs "portbridge/internal/errors"
	"portbridge/internal/registry"
	"portbridge/util"
)

var (
	ErrUnknownRequest = errs.New("unknown request type")
	ErrMissingID      = errs.New("request without proxy id")
	ErrMissingParams  = errs.New("request without proxy parameters")
)

// Registry is the part of *registry.Registry the dispatcher drives.
type Registry interface {
	OpenTCP(id string, req registry.TCPRequest) error
	OpenSerial(id string, req registry.SerialRequest) error
	Close(id string)
}

// Dispatcher applies control requests to the registry one at a time.
// Requests from every session are funnelled through a single command
// channel consumed by Run.
type Dispatcher struct {
	reg       Registry
	log       *util.Logger
	defaultIP string
	cmds      chan command
}

type command struct {
	req   Request
	reply chan error
}

// NewDispatcher returns a Dispatcher.  Requests without a proxyIp bind
// to defaultIP.
func NewDispatcher(reg Registry, log *util.Logger, defaultIP string) *Dispatcher {
	return &Dispatcher{
		reg:       reg,
		log:       log,
		defaultIP: defaultIP,
		cmds:      make(chan command),
	}
}

// Run consumes requests until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-d.cmds:
			cmd.reply <- d.handle(cmd.req)
		}
	}
}

// Submit queues req and waits for it to be applied.  The returned error
// is for logging only and is never sent back over the wire.
func (d *Dispatcher) Submit(ctx context.Context, req Request) error {
	cmd := command{req: req, reply: make(chan error, 1)}
	select {
	case d.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle applies one request.  A panic is recovered and reported as an
// error so that the command loop keeps running.
func (d *Dispatcher) handle(req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", req.Type, r)
			d.log.Error("%v", err)
		}
	}()

	d.log.Debug("request %s", req.Type)

	switch req.Type {
	case TypeOpenTCP:
		if req.TCPID == "" {
			return fmt.Errorf("%s: %w", req.Type, ErrMissingID)
		}
		if req.TCP == nil {
			return fmt.Errorf("%s %s: %w", req.Type, req.TCPID, ErrMissingParams)
		}
		err = d.reg.OpenTCP(req.TCPID, registry.TCPRequest{
			ProxyIP:  d.bindIP(req.ProxyIP),
			Port:     req.TCP.Port,
			Endpoint: req.TCP.EndPoint,
		})

	case TypeOpenSerial:
		if req.PortID == "" {
			return fmt.Errorf("%s: %w", req.Type, ErrMissingID)
		}
		if req.Port == nil {
			return fmt.Errorf("%s %s: %w", req.Type, req.PortID, ErrMissingParams)
		}
		err = d.reg.OpenSerial(req.PortID, registry.SerialRequest{
			ProxyIP: d.bindIP(req.ProxyIP),
			Port:    req.Port.Port,
			Device:  req.Port.Device,
		})

	case TypeCloseTCP:
		if req.TCPID == "" {
			return fmt.Errorf("%s: %w", req.Type, ErrMissingID)
		}
		d.reg.Close(req.TCPID)

	case TypeCloseSerial:
		if req.PortID == "" {
			return fmt.Errorf("%s: %w", req.Type, ErrMissingID)
		}
		d.reg.Close(req.PortID)

	default:
		return fmt.Errorf("%q: %w", req.Type, ErrUnknownRequest)
	}

	if err != nil {
		d.log.Error("%s: %v", req.Type, err)
	}
	return err
}

func (d *Dispatcher) bindIP(ip string) string {
	if ip != "" {
		return ip
	}
	return d.defaultIP
}
