// main.go - Admin control tool for the collector
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitepulse/internal"
	"sitepulse/internal/projects"
	"sitepulse/internal/storage"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&AddProjectCommand{},
	&RemoveProjectCommand{},
	&ListProjectsCommand{},
	&MigrateCommand{},
	&StatusCommand{},
	&HelpCommand{},
}

func main() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs(os.Args[1:])

	cmd := findCommand(cmdName)
	if cmd == nil {
		printUsage()
		os.Exit(1)
	}

	if _, ok := cmd.(*HelpCommand); ok {
		printUsage()
		return
	}

	app, err := internal.NewApp()
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	err = cmd.Execute(ctx, app, args)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()
	if shutdownErr := app.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf("Warning: Cleanup error: %v", shutdownErr)
	}

	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
	log.Printf("Command %s completed successfully", cmd.Name())
}

func registry(app *internal.Application) (storage.ProjectRegistry, error) {
	r, ok := app.Store.(storage.ProjectRegistry)
	if !ok {
		return nil, errors.New("configured store does not manage projects")
	}
	return r, nil
}

// AddProjectCommand registers a domain so its events are accepted
type AddProjectCommand struct{}

func (c *AddProjectCommand) Name() string        { return "add-project" }
func (c *AddProjectCommand) Description() string { return "Registers a domain for tracking" }

func (c *AddProjectCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <domain>", c.Name())
	}

	r, err := registry(app)
	if err != nil {
		return err
	}

	project, err := r.RegisterProject(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Project %s registered (id %d)\n", project.Domain, project.ID)
	return nil
}

// RemoveProjectCommand deletes a project and its rollups
type RemoveProjectCommand struct{}

func (c *RemoveProjectCommand) Name() string        { return "remove-project" }
func (c *RemoveProjectCommand) Description() string { return "Removes a domain and all of its stats" }

func (c *RemoveProjectCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <domain>", c.Name())
	}

	r, err := registry(app)
	if err != nil {
		return err
	}

	if err := r.RemoveProject(ctx, args[0]); err != nil {
		var notFound *projects.NotFoundError
		if errors.As(err, &notFound) {
			log.Printf("Project %s does not exist", notFound.Domain)
			return nil
		}
		return err
	}

	fmt.Printf("Project %s removed\n", projects.NormalizeDomain(args[0]))
	return nil
}

// ListProjectsCommand prints the registered domains
type ListProjectsCommand struct{}

func (c *ListProjectsCommand) Name() string        { return "list-projects" }
func (c *ListProjectsCommand) Description() string { return "Lists registered domains" }

func (c *ListProjectsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	r, err := registry(app)
	if err != nil {
		return err
	}

	list, err := r.ListProjects(ctx)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No projects registered")
		return nil
	}
	for _, p := range list {
		fmt.Printf("%d\t%s\t%s\n", p.ID, p.Domain, p.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	log.Println("Running database migrations...")
	if err := app.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Println("Migrations completed successfully")
	return nil
}

// StatusCommand implements a command to check the system status
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows the current system status" }

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	db := app.DBManager.GetConnection()

	var count int64
	if err := db.Model(&projects.Project{}).Count(&count).Error; err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	log.Println("System Status:")
	log.Println("- Database: Connected")
	log.Printf("- Projects (sqlite): %d", count)
	log.Printf("- GeoIP database: %v", app.Resolver.HasDatabase())

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}

	stats := sqlDB.Stats()
	log.Printf("- Max Open Connections: %d", stats.MaxOpenConnections)
	log.Printf("- Open Connections: %d", stats.OpenConnections)
	log.Printf("- In Use: %d", stats.InUse)
	log.Printf("- Idle: %d", stats.Idle)

	return nil
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage()
	return nil
}

// parseArgs splits the command name from its arguments
func parseArgs(args []string) (string, []string) {
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: sitepulsectl [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}
}
