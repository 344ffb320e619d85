// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	mqtt "github.com/mochi-mqtt/mqtt311"
	"github.com/mochi-mqtt/mqtt311/config"
	"github.com/mochi-mqtt/mqtt311/hooks/auth"
	"github.com/mochi-mqtt/mqtt311/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for TCP listener")
	wsAddr := flag.String("ws", ":1882", "network address for Websocket listener")
	infoAddr := flag.String("info", ":8080", "network address for web info dashboard listener")
	confFile := flag.String("config", "", "path to a YAML or JSON config file, used instead of the listener flags")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	color.New(color.FgMagenta, color.Bold).Println("Mochi MQTT v3.1.1 Broker initializing...")

	server, err := configure(*confFile, *tcpAddr, *wsAddr, *infoAddr)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatal(err)
		}
	}()
	color.New(color.BgMagenta, color.FgWhite).Println("  Started!  ")

	<-done
	color.New(color.BgRed, color.FgWhite).Println("  Caught Signal  ")
	server.Log.Warn("caught signal, stopping...")
	_ = server.Close()
	color.New(color.BgGreen, color.FgBlack).Println("  Finished  ")
}

// configure builds the server from a config file if one is given, or else
// from the listener flags with an allow-all auth hook.
func configure(path, tcpAddr, wsAddr, infoAddr string) (*mqtt.Server, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		opts, err := config.FromBytes(data)
		if err != nil {
			return nil, err
		}

		return mqtt.New(opts), nil
	}

	server := mqtt.New(&mqtt.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}

	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "t1", Address: tcpAddr})); err != nil {
		return nil, err
	}

	if err := server.AddListener(listeners.NewWebsocket(listeners.Config{ID: "ws1", Address: wsAddr})); err != nil {
		return nil, err
	}

	if err := server.AddListener(listeners.NewHTTPStats(listeners.Config{ID: "stats", Address: infoAddr}, server.Info)); err != nil {
		return nil, err
	}

	return server, nil
}
