// dtusim runs a small DTU platform demo: two compute PEs and one
// memory PE, sending one credit-paid message from the first compute PE
// to the second.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/dtusim/datarecording"
	"github.com/sarchlab/dtusim/dtu"
	"github.com/sarchlab/dtusim/monitoring"
	"github.com/sarchlab/dtusim/pe"
	"github.com/sarchlab/dtusim/tracing"
)

var (
	flagTrace   string
	flagMonitor bool
	flagNumPEs  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dtusim",
		Short: "A cycle-level model of a DTU-based tiled system",
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}

	rootCmd.Flags().StringVar(&flagTrace, "trace", "",
		"record NoC traffic and commands into the SQLite file <value>.sqlite3")
	rootCmd.Flags().BoolVar(&flagMonitor, "monitor", false,
		"start the monitoring HTTP server")
	rootCmd.Flags().IntVar(&flagNumPEs, "pes", 2,
		"number of compute PEs")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func run() {
	descriptors := make([]uint64, 0, flagNumPEs+1)
	for i := 0; i < flagNumPEs; i++ {
		descriptors = append(descriptors, 0)
	}
	descriptors = append(descriptors, (256<<20)|pe.DescMemPE)

	platform := pe.MakeBuilder().
		WithPEs(descriptors).
		Build("Platform")

	if flagTrace != "" {
		db := datarecording.Open(flagTrace)
		tracer := tracing.NewDbTracer(platform.Engine, db)
		for _, tile := range platform.Tiles {
			tracer.AttachTo(tile.Dtu)
		}
	}

	if flagMonitor {
		monitor := monitoring.NewMonitor()
		monitor.RegisterEngine(platform.Engine)
		for _, tile := range platform.Tiles {
			monitor.RegisterComponent(tile.Dtu)
		}
		monitor.StartServer()
	}

	sender := platform.Tiles[0].Dtu
	receiver := platform.Tiles[1].Dtu

	// privileged endpoint setup, as the kernel would do it
	sender.Regs().SetSendEp(3, dtu.SendEp{
		TargetCore: 1,
		TargetEp:   4,
		MaxMsgSize: 64,
		Credits:    128,
		Label:      0xAA,
	})
	receiver.Regs().SetRecvEp(4, dtu.RecvEp{
		BufAddr: 0x1000,
		MsgSize: 64,
		Size:    4,
	})

	payload := []byte("hello over the NoC!")
	if err := sender.LocalMem().Write(0x500, payload); err != nil {
		log.Panic(err)
	}

	base := sender.RegFileBaseAddr()
	driver := pe.NewDriver("Platform.PE00.Driver", platform.Engine,
		platform.Freq, sender.CpuPort())
	platform.Tiles[0].Bus.PlugIn(driver.Port(), 4)

	driver.Enqueue(
		pe.WriteOp(dtu.CmdRegAddr(base, dtu.RegDataAddr), 0x500),
		pe.WriteOp(dtu.CmdRegAddr(base, dtu.RegDataSize),
			uint64(len(payload))),
		pe.WriteOp(dtu.CmdRegAddr(base, dtu.RegReplyEpID), 5),
		pe.WriteOp(dtu.CmdRegAddr(base, dtu.RegReplyLabel), 0xBB),
		pe.WriteOp(dtu.CmdRegAddr(base, dtu.RegCommand),
			dtu.MakeCommand(dtu.CmdSend, 3)),
	)

	if err := platform.Engine.Run(); err != nil {
		log.Panic(err)
	}

	ep := receiver.Regs().RecvEp(4)
	fmt.Printf("receiver EP4: msgCount=%d occupied=%#x unread=%#x\n",
		ep.MsgCount, ep.Occupied, ep.Unread)

	data, err := receiver.LocalMem().Read(0x1000, dtu.HeaderSize+
		uint64(len(payload)))
	if err != nil {
		log.Panic(err)
	}
	header := dtu.UnpackMessageHeader(data[:dtu.HeaderSize])
	fmt.Printf("message from core %d ep %d, label %#x: %q\n",
		header.SenderCoreID, header.SenderEpID, header.Label,
		data[dtu.HeaderSize:dtu.HeaderSize+uint64(header.Length)])

	credits := sender.Regs().SendEp(3).Credits
	fmt.Printf("sender EP3 credits after send: %d\n", credits)
}
