package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fiatjaf/immortan/internal/channels"
	"github.com/fiatjaf/immortan/internal/comms"
	"github.com/fiatjaf/immortan/internal/config"
	statedb "github.com/fiatjaf/immortan/internal/database"
	"github.com/fiatjaf/immortan/internal/electrum"
	"github.com/fiatjaf/immortan/internal/eventbus"
	"github.com/fiatjaf/immortan/internal/ipc"
	"github.com/fiatjaf/immortan/internal/ln"
	"github.com/fiatjaf/immortan/internal/logger"
	"github.com/fiatjaf/immortan/internal/swapout"
	"github.com/fiatjaf/immortan/internal/trampoline"
)

var rootCmd = &cobra.Command{
	Use:   "immortan",
	Short: "Lightning wallet coordination daemon",
	Long:  `Runs the electrum pool, trampoline routing broadcaster and swap-out machinery, controlled over a local socket.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(routingOnCmd)
	rootCmd.AddCommand(routingOffCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(swapOutFeeratesCmd)
}

func initConfig() {
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	logger.SetDebug(viper.GetString("log_level") == "debug")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func routingParams() ln.TrampolineOn {
	return ln.TrampolineOn{
		MinMsat:                   ln.MilliSatoshi(viper.GetUint64("routing_min_msat")),
		FeeBaseMsat:               ln.MilliSatoshi(viper.GetUint64("routing_fee_base_msat")),
		FeeProportionalMillionths: viper.GetUint64("routing_fee_proportional_millionths"),
		CLTVExpiryDelta:           uint16(viper.GetUint32("routing_cltv_expiry_delta")),
	}
}

func runDaemon() error {
	network := viper.GetString("network")
	params, err := chainParams(network)
	if err != nil {
		return err
	}

	if err := logger.Init(viper.GetString("log_file_path")); err != nil {
		return fmt.Errorf("failed to init logger: %v", err)
	}
	defer logger.Cleanup()

	if err := statedb.InitSQLiteDB(viper.GetString("state_db_path")); err != nil {
		return fmt.Errorf("failed to init state db: %v", err)
	}

	bus := eventbus.New()

	poolCfg := electrum.Config{
		ChainHash:      *params.GenesisHash,
		MaxConnections: viper.GetInt("max_chain_connections"),
		UseOnion:       viper.GetBool("use_onion"),
		Bus:            bus,
	}
	if custom := viper.GetString("custom_electrum_address"); custom != "" {
		addr, err := electrum.ParseServerAddr(custom)
		if err != nil {
			return err
		}
		poolCfg.CustomAddress = &addr
	}
	pool, err := electrum.NewPool(poolCfg)
	if err != nil {
		return err
	}
	defer pool.Stop()

	tower := comms.NewTower()
	registry := channels.NewRegistry()

	broadcaster := trampoline.New(tower, registry, ticker.New(trampoline.BroadcastInterval))
	defer broadcaster.BecomeShutDown()
	tower.AddListener(broadcaster)

	if viper.GetBool("routing_enabled_on_start") {
		broadcaster.Process(trampoline.RoutingOn{Params: routingParams()})
	}

	ipcServer, err := ipc.NewServer()
	if err != nil {
		return fmt.Errorf("failed to create IPC server: %v", err)
	}
	defer ipcServer.Close()

	// Mirror pool events into the state store and out to IPC clients.
	recorder := statedb.NewRecorder(network)
	events, cancelEvents := bus.Subscribe(32)
	defer cancelEvents()
	go func() {
		for ev := range events {
			switch e := ev.(type) {
			case electrum.ElectrumReady:
				recorder.OnElectrumReady(e)
				recorder.OnNewTip(e.Height, e.Tip)
				ipcServer.BroadcastUpdate(ipc.Update{Type: "electrum_ready", Height: uint64(e.Height), Server: e.Addr.String()})
			case electrum.ElectrumDisconnected:
				recorder.OnElectrumDisconnected()
				ipcServer.BroadcastUpdate(ipc.Update{Type: "electrum_disconnected"})
			case electrum.ServerDropped:
				recorder.OnServerDropped(e)
			case electrum.BlockCountUpdated:
				ipcServer.BroadcastUpdate(ipc.Update{Type: "block_count", Height: e.Height})
			}
		}
	}()

	pool.InitConnect()
	log.Printf("immortan daemon up on %s", network)
	logger.Info("daemon started, network: ", network)

	go handleCommands(ipcServer, pool, tower, registry, broadcaster)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down")
	return nil
}

func handleCommands(server *ipc.Server, pool *electrum.Pool, tower *comms.Tower,
	registry *channels.Registry, broadcaster *trampoline.Broadcaster) {

	for cmd := range server.Commands() {
		switch cmd.Command {
		case "routing-on":
			broadcaster.Process(trampoline.RoutingOn{Params: routingParams()})
			server.SendResponse(cmd.ID, ipc.Response{ID: cmd.ID, Result: "routing enabled"})

		case "routing-off":
			broadcaster.Process(trampoline.RoutingOff{})
			server.SendResponse(cmd.ID, ipc.Response{ID: cmd.ID, Result: "routing disabled"})

		case "status":
			st := pool.Status()
			server.SendResponse(cmd.ID, ipc.Response{ID: cmd.ID, Result: map[string]interface{}{
				"connected":   st.Connected,
				"server":      st.Addr.String(),
				"height":      st.Height,
				"servers":     st.Servers,
				"block_count": pool.BlockCount(),
			}})

		case "swapout-feerates":
			go collectSwapOutFeerates(server, cmd.ID, tower, registry)

		default:
			server.SendResponse(cmd.ID, ipc.Response{ID: cmd.ID, Error: fmt.Sprintf("unknown command %q", cmd.Command)})
		}
	}
}

func collectSwapOutFeerates(server *ipc.Server, cmdID int, tower *comms.Tower, registry *channels.Registry) {
	var capable []channels.Channel
	for _, ch := range channels.Usable(registry) {
		if ch.IsHosted() {
			capable = append(capable, ch)
		}
	}

	done := make(chan ipc.Response, 1)
	handler := swapout.NewHandler(tower, swapout.Callbacks{
		OnFound: func(offers []swapout.ResponseExt) {
			result := make([]map[string]interface{}, 0, len(offers))
			for _, offer := range offers {
				result = append(result, map[string]interface{}{
					"peer":     offer.Info.NodeID.String(),
					"address":  offer.Msg.ActiveAddress,
					"feerates": offer.Msg.Feerates,
				})
			}
			done <- ipc.Response{ID: cmdID, Result: result}
		},
		OnNoProviderSwapOutSupport: func() {
			done <- ipc.Response{ID: cmdID, Error: "no connected peer supports swap-out"}
		},
		OnTimeoutAndNoResponse: func() {
			done <- ipc.Response{ID: cmdID, Error: "no swap-out provider responded in time"}
		},
	})
	defer handler.Stop()

	handler.Process(swapout.CMDStart{CapableCncs: capable})

	select {
	case resp := <-done:
		server.SendResponse(cmdID, resp)
	case <-time.After(swapout.FirstResponseTimeout + swapout.RestOfResponsesTimeout):
		server.SendResponse(cmdID, ipc.Response{ID: cmdID, Error: "swap-out collection stalled"})
	}
}

func clientCommand(name string, args []string) error {
	client, err := ipc.NewClient()
	if err != nil {
		return fmt.Errorf("is the daemon running? %v", err)
	}
	defer client.Close()

	result, err := client.SendCommand(name, args)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var routingOnCmd = &cobra.Command{
	Use:   "routing-on",
	Short: "Enable trampoline routing advertisements",
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientCommand("routing-on", args)
	},
}

var routingOffCmd = &cobra.Command{
	Use:   "routing-off",
	Short: "Withdraw trampoline routing advertisements",
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientCommand("routing-off", args)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show electrum pool connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientCommand("status", args)
	},
}

var swapOutFeeratesCmd = &cobra.Command{
	Use:   "swapout-feerates",
	Short: "Collect swap-out fee quotes from channel peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientCommand("swapout-feerates", args)
	},
}
