package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitUsage
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "create":
		if hasHelpFlag(args) {
			printCreateHelp()
			return exitOK
		}
		return runCreate(args)
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return exitOK
		}
		return runRun(args)
	case "list":
		if hasHelpFlag(args) {
			printListHelp()
			return exitOK
		}
		return runList(args)
	case "share":
		if hasHelpFlag(args) {
			printShareHelp()
			return exitOK
		}
		return runShare(args)
	case "copy":
		if hasHelpFlag(args) {
			printCopyHelp()
			return exitOK
		}
		return runCopy(args)
	case "modify":
		if hasHelpFlag(args) {
			printModifyHelp()
			return exitOK
		}
		return runModify(args)
	case "ignore":
		if hasHelpFlag(args) {
			printIgnoreHelp()
			return exitOK
		}
		return runIgnore(args)
	case "export":
		if hasHelpFlag(args) {
			printExportHelp()
			return exitOK
		}
		return runExport(args)
	case "import":
		if hasHelpFlag(args) {
			printImportHelp()
			return exitOK
		}
		return runImport(args)
	case "package":
		return runPackageNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitUsage
	}
}

func runPackageNoun(args []string) int {
	if len(args) < 1 {
		printPackageNounHelp(os.Stderr)
		return exitUsage
	}
	if isHelpToken(args[0]) {
		printPackageNounHelp(os.Stdout)
		return exitOK
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "installed":
		if hasHelpFlag(actionArgs) {
			printPackageInstalledHelp()
			return exitOK
		}
		return runPackageInstalled(actionArgs)
	case "search":
		if hasHelpFlag(actionArgs) {
			printPackageSearchHelp()
			return exitOK
		}
		return runPackageSearch(actionArgs)
	case "modify":
		if hasHelpFlag(actionArgs) {
			printPackageModifyHelp()
			return exitOK
		}
		return runPackageModify(actionArgs)
	case "upgrade":
		if hasHelpFlag(actionArgs) {
			printPackageUpgradeHelp()
			return exitOK
		}
		return runPackageUpgrade(actionArgs)
	case "help":
		printPackageNounHelp(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown package action: %s\n", action)
		return exitUsage
	}
}

func runVersion(args []string) int {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "0.0.0-dev"
	}
	commit := readBuildSetting("vcs.revision")
	if len(commit) > 12 {
		commit = commit[:12]
	}

	fmt.Printf("mashru3 %s\n", v)
	if commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	return exitOK
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Print(`mashru3 - Manage guix-backed workspace directories

Usage:
  mashru3 <command> [flags] [args]

Workspace Commands:
  create <name...>       Create a new workspace
  run [application]      Run a program inside the workspace
  list                   List all available workspaces
  share <target...>      Share workspace with other users or groups
  copy [dest]            Copy workspace with a new identity
  modify <key=value...>  Change workspace metadata
  ignore                 Hide workspace from listings

Archive Commands:
  export <kind> <output> Export workspace files (zip or tar+lzip)
  import <input> <dest>  Import workspace from archive

Package Commands:
  package installed      List installed packages
  package search         Search available packages
  package modify         Add or remove packages (+pkg, -pkg)
  package upgrade        Upgrade all packages

General:
  version                Show version information
  help                   Show this help message

Common flags (per command):
  -d PATH      Workspace directory (default: current directory)
  -f FORMAT    Output format: human, yaml or json (default: human)
  -c PATH      Extra configuration file
  -v           Verbose output

Exit codes:
  0  success
  1  generic error
  2  usage or policy error
  3  an external tool failed
  4  the workspace is busy
  5  the profile could not be built

Use 'mashru3 <command> --help' for command-specific flags.
`)
}

func printPackageNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: mashru3 package <action> [flags]")
	fmt.Fprintln(w, "Actions: installed, search, modify, upgrade")
}

func printCreateHelp() {
	fmt.Println("Usage: mashru3 create [-d PATH] <name...>")
	fmt.Println("Create a new workspace. A skeleton workspace in /etc/mashru3/skel or")
	fmt.Println("~/.config/mashru3/skel is used as the starting point when present.")
}

func printRunHelp() {
	fmt.Println("Usage: mashru3 run [-d PATH] [--user USER] [--conductor-server HOST] [--dry-run] [application]")
	fmt.Println("Run an application inside the workspace's containerized environment.")
	fmt.Println("Omit the application name to list available applications.")
}

func printListHelp() {
	fmt.Println("Usage: mashru3 list [-s PATH]... [-a] [-i FILE]...")
	fmt.Println("List workspaces below the search paths. -a also searches hidden")
	fmt.Println("directories, -i adds an ignore file.")
}

func printShareHelp() {
	fmt.Println("Usage: mashru3 share [-d PATH] [-w] [-x] [--force] <target...>")
	fmt.Println("Share the workspace. Targets are u:user, g:group or o (everyone).")
	fmt.Println("-w grants write access, -x revokes instead of granting.")
}

func printCopyHelp() {
	fmt.Println("Usage: mashru3 copy [-d PATH] [dest]")
	fmt.Println("Copy the workspace to dest (default: current directory). The copy")
	fmt.Println("gets a fresh identity and its own profile.")
}

func printModifyHelp() {
	fmt.Println("Usage: mashru3 modify [-d PATH] <key=value...>")
	fmt.Println("Update workspace metadata. An empty value removes the key.")
}

func printIgnoreHelp() {
	fmt.Println("Usage: mashru3 ignore [-d PATH] [-i FILE]")
	fmt.Println("Hide the workspace from 'mashru3 list' by adding it to the user's")
	fmt.Println("ignore file.")
}

func printExportHelp() {
	fmt.Println("Usage: mashru3 export [-d PATH] <zip|tar+lzip> <output>")
	fmt.Println("Export the workspace to an archive. Caches, profiles and other")
	fmt.Println("machine state are excluded.")
}

func printImportHelp() {
	fmt.Println("Usage: mashru3 import <input> <dest>")
	fmt.Println("Import a workspace archive. The format is detected from the file")
	fmt.Println("contents; the imported workspace gets a fresh identity.")
}

func printPackageInstalledHelp() {
	fmt.Println("Usage: mashru3 package installed [-d PATH]")
	fmt.Println("List the packages installed in the workspace profile.")
}

func printPackageSearchHelp() {
	fmt.Println("Usage: mashru3 package search [-d PATH] [--limit N] <expression...>")
	fmt.Println("Search packages available to the workspace's guix.")
}

func printPackageModifyHelp() {
	fmt.Println("Usage: mashru3 package modify [-d PATH] <spec...>")
	fmt.Println("Add (+pkg) or remove (-pkg) packages and rebuild the profile. The")
	fmt.Println("manifest is reverted when the rebuild fails.")
}

func printPackageUpgradeHelp() {
	fmt.Println("Usage: mashru3 package upgrade [-d PATH]")
	fmt.Println("Unpin all channels and rebuild, reverting on failure.")
}
