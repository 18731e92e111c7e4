/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/Seann-Moser/rccar/cmd"

func main() {
	cmd.Execute()
}
