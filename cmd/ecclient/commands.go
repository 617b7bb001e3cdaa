package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pointapp_back_end/internal/auth"
	"pointapp_back_end/internal/config"
	"pointapp_back_end/internal/ecclient"
	"pointapp_back_end/internal/models"
)

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "Liste les magasins disponibles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		stores, err := newClient().Stores(ctx)
		if err != nil {
			return userError(err, ecclient.FallbackLoad)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNOM")
		for _, s := range stores {
			fmt.Fprintf(w, "%s\t%s\n", s.ID, s.Name)
		}
		return w.Flush()
	},
}

var submitFlags struct {
	store, amount, order, date, receipt, description, key string
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Dépose une demande de points pour un achat EC",
	RunE: func(cmd *cobra.Command, args []string) error {
		form := ecclient.SubmitForm{
			StoreID:        submitFlags.store,
			PurchaseAmount: submitFlags.amount,
			OrderID:        submitFlags.order,
			PurchaseDate:   submitFlags.date,
			Description:    submitFlags.description,
		}
		if submitFlags.receipt != "" {
			data, err := os.ReadFile(submitFlags.receipt)
			if err != nil {
				return fmt.Errorf("lecture du reçu: %w", err)
			}
			form.Receipt = &ecclient.Receipt{
				Filename:    filepath.Base(submitFlags.receipt),
				ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(submitFlags.receipt))),
				Data:        data,
			}
		}

		key := submitFlags.key
		if key == "" {
			key = uuid.NewString()
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		r, err := newClient().Submit(ctx, form, key)
		if err != nil {
			return userError(err, ecclient.FallbackSubmit)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ 申請を送信しました : %s (%d pt, %s)\n", r.ID, r.PointsToAward, ecclient.BadgeFor(r.Status).Label)
		return nil
	},
}

var listFlags struct {
	scope, status, search string
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Liste les demandes (mine pour un utilisateur, received pour un magasin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		list := ecclient.NewRequestList(newClient(), ecclient.Scope(listFlags.scope))
		if listFlags.status != "" {
			if err := list.SetFilter(ctx, ecclient.Filter(listFlags.status)); err != nil {
				return errors.New(list.Err())
			}
		}
		if list.State() == ecclient.ListLoading {
			// filtre inchangé : pas encore chargé
			if err := list.Refresh(ctx); err != nil {
				return errors.New(list.Err())
			}
		}
		list.SetSearch(listFlags.search)

		visible := list.Visible()
		if list.State() == ecclient.ListEmpty || len(visible) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "申請はありません")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUT\tCOMMANDE\tDEMANDEUR\tMONTANT\tPOINTS\tDATE")
		for _, r := range visible {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				r.ID, ecclient.BadgeFor(r.Status).Label, r.OrderID, r.UserName,
				ecclient.FormatYen(r.PurchaseAmount), r.PointsToAward, r.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var showScope string

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Affiche une demande et son fil de messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		r, err := newClient().Request(ctx, ecclient.Scope(showScope), id)
		if err != nil {
			return userError(err, ecclient.FallbackLoad)
		}
		printRequest(cmd.OutOrStdout(), r)
		return nil
	},
}

var approveYes bool

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approuve une demande en attente (irréversible)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		confirm := func() bool {
			if approveYes {
				return true
			}
			fmt.Fprintf(cmd.OutOrStdout(), "申請 %s を承認しますか？この操作は取り消せません [y/N] ", id)
			line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			return strings.EqualFold(strings.TrimSpace(line), "y")
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		panel := ecclient.NewDecisionPanel(newClient(), nil)
		r, err := panel.Approve(ctx, id, confirm)
		if err != nil {
			return userError(err, ecclient.FallbackApprove)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s : %s\n", r.ID, ecclient.BadgeFor(r.Status).Label)
		return nil
	},
}

var rejectReason string

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Refuse une demande en attente avec un motif",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		panel := ecclient.NewDecisionPanel(newClient(), nil)
		r, err := panel.Reject(ctx, id, rejectReason)
		if err != nil {
			return userError(err, ecclient.FallbackReject)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "❌ %s : %s (%s)\n", r.ID, ecclient.BadgeFor(r.Status).Label, r.RejectionReason)
		return nil
	},
}

var messageScope string

var messageCmd = &cobra.Command{
	Use:   "message <id> <texte...>",
	Short: "Ajoute un message au fil d'une demande",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		client := newClient()
		r, err := client.Request(ctx, ecclient.Scope(messageScope), id)
		if err != nil {
			return userError(err, ecclient.FallbackLoad)
		}
		thread := ecclient.NewThread(client, ecclient.Scope(messageScope), r)
		thread.SetInput(strings.Join(args[1:], " "))
		if err := thread.Send(ctx); err != nil {
			return userError(err, ecclient.FallbackMessage)
		}
		if msg := thread.Err(); msg != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "⚠️ message envoyé, mais %s\n", msg)
		}
		printMessages(cmd.OutOrStdout(), thread.Messages())
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Suit en direct les changements d'une demande (Ctrl+C pour quitter)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		stream, err := newClient().Watch(ctx, id)
		if err != nil {
			return userError(err, ecclient.FallbackLoad)
		}
		out := cmd.OutOrStdout()
		for ev := range stream {
			at := ev.At.Local().Format("15:04:05")
			switch {
			case ev.Message != nil:
				fmt.Fprintf(out, "[%s] 💬 %s: %s\n", at, ev.Message.SenderName, ev.Message.Message)
			case ev.Status != "":
				fmt.Fprintf(out, "[%s] 🔄 %s\n", at, ecclient.BadgeFor(ev.Status).Label)
			default:
				fmt.Fprintf(out, "[%s] %s\n", at, ev.Type)
			}
		}
		return nil
	},
}

var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "Affiche le solde de points de l'utilisateur",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		balance, err := newClient().Points(ctx)
		if err != nil {
			return userError(err, ecclient.FallbackLoad)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d pt\n", balance)
		return nil
	},
}

var tokenFlags struct {
	user, name, email, role, store string
	ttl                            time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Génère un jeton de développement signé avec JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load()
		cfg := config.FromEnv()
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET manquant")
		}
		ttl := tokenFlags.ttl
		if ttl <= 0 {
			ttl = cfg.TokenTTL
		}
		tok, err := auth.NewIssuer(cfg.JWTSecret, ttl).Issue(models.Actor{
			UserID:  tokenFlags.user,
			Name:    tokenFlags.name,
			Email:   tokenFlags.email,
			Role:    tokenFlags.role,
			StoreID: tokenFlags.store,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitFlags.store, "store", "", "ID du magasin")
	f.StringVar(&submitFlags.amount, "amount", "", "montant de l'achat en yens")
	f.StringVar(&submitFlags.order, "order", "", "numéro de commande")
	f.StringVar(&submitFlags.date, "date", "", "date d'achat (AAAA-MM-JJ)")
	f.StringVar(&submitFlags.receipt, "receipt", "", "chemin de l'image du reçu")
	f.StringVar(&submitFlags.description, "description", "", "description libre")
	f.StringVar(&submitFlags.key, "idempotency-key", "", "clé d'idempotence (générée si vide)")

	listCmd.Flags().StringVar(&listFlags.scope, "scope", string(ecclient.ScopeMine), "mine ou received")
	listCmd.Flags().StringVar(&listFlags.status, "status", "", "all, pending, approved ou rejected (défaut : pending pour received, all pour mine)")
	listCmd.Flags().StringVar(&listFlags.search, "search", "", "filtre sur le nom ou le numéro de commande")

	showCmd.Flags().StringVar(&showScope, "scope", string(ecclient.ScopeMine), "mine ou received")
	messageCmd.Flags().StringVar(&messageScope, "scope", string(ecclient.ScopeMine), "mine ou received")

	approveCmd.Flags().BoolVarP(&approveYes, "yes", "y", false, "ne pas demander de confirmation")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "motif du refus")

	t := tokenCmd.Flags()
	t.StringVar(&tokenFlags.user, "user", "", "identifiant utilisateur")
	t.StringVar(&tokenFlags.name, "name", "", "nom affiché")
	t.StringVar(&tokenFlags.email, "email", "", "adresse e-mail")
	t.StringVar(&tokenFlags.role, "role", models.RoleUser, "user, store ou admin")
	t.StringVar(&tokenFlags.store, "store", "", "ID du magasin (rôle store)")
	t.DurationVar(&tokenFlags.ttl, "ttl", 0, "durée de validité (JWT_TTL par défaut)")
	_ = tokenCmd.MarkFlagRequired("user")
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("申請IDが不正です: %q", raw)
	}
	return id, nil
}

func printRequest(w io.Writer, r *models.ECRequest) {
	fmt.Fprintf(w, "申請     %s\n", r.ID)
	fmt.Fprintf(w, "状態     %s\n", ecclient.BadgeFor(r.Status).Label)
	fmt.Fprintf(w, "店舗     %s\n", r.StoreName)
	fmt.Fprintf(w, "申請者   %s\n", r.UserName)
	fmt.Fprintf(w, "注文番号 %s\n", r.OrderID)
	fmt.Fprintf(w, "金額     %s\n", ecclient.FormatYen(r.PurchaseAmount))
	fmt.Fprintf(w, "購入日   %s\n", r.PurchaseDate.Format("2006-01-02"))
	fmt.Fprintf(w, "ポイント %d\n", r.PointsToAward)
	if r.RejectionReason != "" {
		fmt.Fprintf(w, "却下理由 %s\n", r.RejectionReason)
	}
	if r.ReceiptImage != "" {
		fmt.Fprintf(w, "レシート %s\n", r.ReceiptImage)
	}
	printMessages(w, r.Messages)
}

func printMessages(w io.Writer, msgs []models.ECMessage) {
	if len(msgs) == 0 {
		return
	}
	fmt.Fprintln(w, "---")
	for _, m := range msgs {
		who := "👤"
		if m.IsFromStore {
			who = "🏪"
		}
		fmt.Fprintf(w, "%s %s %s: %s\n", m.CreatedAt.Local().Format("01/02 15:04"), who, m.SenderName, m.Message)
	}
}
