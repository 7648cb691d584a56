package main

import (
	"context"
	"encoding/binary"

	"nx-ipc/server"
)

// Commands of the built-in echo service.
const (
	cmdEcho         = 0 // returns the payload, handles and objects it was sent
	cmdOpenObject   = 1 // opens another echo object
	cmdGetProcessID = 2 // returns the process id stamped by the emulator
)

const echoServiceName = "ipc:echo"

func newEchoService() *server.Service {
	svc := server.NewService(echoServiceName)
	svc.Handle(cmdEcho, func(ctx context.Context, req *server.Request, resp *server.Response) error {
		resp.Data = req.Data
		resp.CopyHandles = req.CopyHandles
		resp.Objects = req.Objects
		return nil
	}).Handle(cmdOpenObject, func(ctx context.Context, req *server.Request, resp *server.Response) error {
		_, err := req.Open(svc)
		return err
	}).Handle(cmdGetProcessID, func(ctx context.Context, req *server.Request, resp *server.Response) error {
		resp.Data = binary.LittleEndian.AppendUint64(nil, req.ProcessID)
		return nil
	})
	return svc
}
